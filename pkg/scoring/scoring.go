// Package scoring implements the flakiness scorer (spec.md §4.4 / C4):
// feature extraction over a per-test occurrence window and a weighted
// composite score with three ordered adjustments.
package scoring

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/stats"
	"github.com/thc1006/flakeguard-sub006/pkg/signature"
)

// DefaultWindowN is the default number of most-recent occurrences
// considered by the scorer.
const DefaultWindowN = 50

// Composite weights (spec.md §4.4). Design constants, not configuration.
const (
	weightIntermittency      = 0.30
	weightRerunPassRate      = 0.25
	weightFailureClustering  = 0.15
	weightMessageSigVariance = 0.10
	weightFailSuccessRatio   = 0.10
)

// Options carries the inputs a scorer needs beyond the occurrence window
// itself.
type Options struct {
	// Now anchors "recent" and "days since first seen" calculations.
	// Defaults to time.Now() if zero.
	Now time.Time
	// MinRunsForQuarantine feeds the confidence calculation and the
	// scorer's own coarse recommendation (spec.md §4.4, §4.6 default 5).
	MinRunsForQuarantine int
	// WarnThreshold / QuarantineThreshold drive the scorer's own
	// recommendation field; the full policy decision (with overrides) is
	// made by pkg/policy, which may override this value.
	WarnThreshold       float64
	QuarantineThreshold float64
	// FailureClustering, when non-nil, overrides the clustering feature
	// derived from pkg/cluster rather than leaving it at 0 (a test with no
	// occurrence history in the clusterer's window cannot self-derive it).
	FailureClustering *float64
}

func (o Options) now() time.Time {
	if o.Now.IsZero() {
		return time.Now()
	}
	return o.Now
}

func (o Options) minRuns() int {
	if o.MinRunsForQuarantine <= 0 {
		return 5
	}
	return o.MinRunsForQuarantine
}

func (o Options) warnThreshold() float64 {
	if o.WarnThreshold <= 0 {
		return 0.3
	}
	return o.WarnThreshold
}

func (o Options) quarantineThreshold() float64 {
	if o.QuarantineThreshold <= 0 {
		return 0.6
	}
	return o.QuarantineThreshold
}

// Result is the scorer's output (spec.md §4.4: "{ score, confidence,
// features, recommendation, lastUpdatedAt }").
type Result struct {
	Score          float64
	Confidence     float64
	Features       model.Features
	Recommendation string
	LastUpdatedAt  time.Time
}

// Score extracts features from occs (most recent WindowN entries, already
// the caller's responsibility to bound) and computes the composite
// flakiness score. occs need not be pre-sorted; Score sorts its own
// working copy by CreatedAt ascending.
func Score(occs []model.Occurrence, opt Options) Result {
	now := opt.now()
	ordered := append([]model.Occurrence(nil), occs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CreatedAt.Before(ordered[j].CreatedAt) })

	features := ExtractFeatures(ordered, now)
	if opt.FailureClustering != nil {
		features.FailureClustering = *opt.FailureClustering
	}

	score := composite(features)
	confidence := confidenceFor(features.TotalRuns, opt.minRuns())
	rec := recommendFor(score, features, opt)

	return Result{
		Score:          score,
		Confidence:     confidence,
		Features:       features,
		Recommendation: rec,
		LastUpdatedAt:  now,
	}
}

// ExtractFeatures computes the full feature vector over an
// ascending-by-CreatedAt occurrence slice.
func ExtractFeatures(ordered []model.Occurrence, now time.Time) model.Features {
	f := model.Features{TotalRuns: len(ordered)}
	if len(ordered) == 0 {
		return f
	}

	f.FailSuccessRatio = failSuccessRatio(ordered)
	f.RerunPassRate = rerunPassRate(ordered)
	f.IntermittencyScore = intermittencyScore(ordered)
	f.MessageSignatureVariance = messageSignatureVariance(ordered)
	f.ConsecutiveFailures = consecutiveFailures(ordered)
	f.MaxConsecutiveFailures = maxConsecutiveFailures(ordered)
	f.RecentFailures = recentFailures(ordered, now, 7)
	f.DaysSinceFirstSeen = now.Sub(ordered[0].CreatedAt).Hours() / 24
	f.AvgTimeBetweenFailures = avgTimeBetweenFailures(ordered)
	return f
}

func failSuccessRatio(occs []model.Occurrence) float64 {
	if len(occs) == 0 {
		return 0
	}
	failed := 0
	for _, o := range occs {
		if o.Status.IsFailure() {
			failed++
		}
	}
	return float64(failed) / float64(len(occs))
}

// rerunPassRate groups occurrences by RunID, considers attempts in
// ascending order within each group, and counts each (attempt>1,
// status=passed) as a successful retry against every attempt>1 as a
// retry attempt.
func rerunPassRate(occs []model.Occurrence) float64 {
	byRun := map[uuid.UUID][]model.Occurrence{}
	for _, o := range occs {
		byRun[o.RunID] = append(byRun[o.RunID], o)
	}

	var retries, successfulRetries int
	for _, group := range byRun {
		sort.Slice(group, func(i, j int) bool { return group[i].Attempt < group[j].Attempt })
		for _, o := range group {
			if o.Attempt > 1 {
				retries++
				if o.Status == model.StatusPassed {
					successfulRetries++
				}
			}
		}
	}
	if retries == 0 {
		return 0
	}
	return float64(successfulRetries) / float64(retries)
}

// intermittencyScore counts failed<->passed transitions across
// consecutive non-skipped pairs, divided by the number of comparable
// pairs.
func intermittencyScore(ordered []model.Occurrence) float64 {
	comparable := make([]model.Occurrence, 0, len(ordered))
	for _, o := range ordered {
		if o.Status != model.StatusSkipped {
			comparable = append(comparable, o)
		}
	}
	if len(comparable) < 2 {
		return 0
	}
	transitions := 0
	pairs := 0
	for i := 1; i < len(comparable); i++ {
		pairs++
		prevFail := comparable[i-1].Status.IsFailure()
		currFail := comparable[i].Status.IsFailure()
		if prevFail != currFail {
			transitions++
		}
	}
	if pairs == 0 {
		return 0
	}
	return float64(transitions) / float64(pairs)
}

// messageSignatureVariance is the count of distinct normalized failure
// signatures divided by the number of failed occurrences (0 if none
// failed). Occurrences that already carry a MessageSig use it directly;
// otherwise the raw message is normalized on the fly.
func messageSignatureVariance(occs []model.Occurrence) float64 {
	failed := 0
	sigs := map[string]struct{}{}
	for _, o := range occs {
		if !o.Status.IsFailure() {
			continue
		}
		failed++
		sig := ""
		switch {
		case o.MessageSig != nil && *o.MessageSig != "":
			sig = *o.MessageSig
		case o.RawMessage != nil:
			sig = signature.Hash(signature.Normalize(*o.RawMessage))
		}
		if sig != "" {
			sigs[sig] = struct{}{}
		}
	}
	if failed == 0 {
		return 0
	}
	return float64(len(sigs)) / float64(failed)
}

func consecutiveFailures(ordered []model.Occurrence) int {
	count := 0
	for i := len(ordered) - 1; i >= 0; i-- {
		if !ordered[i].Status.IsFailure() {
			break
		}
		count++
	}
	return count
}

func maxConsecutiveFailures(ordered []model.Occurrence) int {
	maxRun, run := 0, 0
	for _, o := range ordered {
		if o.Status.IsFailure() {
			run++
			if run > maxRun {
				maxRun = run
			}
		} else {
			run = 0
		}
	}
	return maxRun
}

func recentFailures(ordered []model.Occurrence, now time.Time, lookbackDays int) int {
	cutoff := now.AddDate(0, 0, -lookbackDays)
	count := 0
	for _, o := range ordered {
		if o.Status.IsFailure() && !o.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count
}

func avgTimeBetweenFailures(ordered []model.Occurrence) float64 {
	var times []time.Time
	for _, o := range ordered {
		if o.Status.IsFailure() {
			times = append(times, o.CreatedAt)
		}
	}
	if len(times) < 2 {
		return 0
	}
	var gaps []float64
	for i := 1; i < len(times); i++ {
		gaps = append(gaps, times[i].Sub(times[i-1]).Seconds())
	}
	return stats.Mean(gaps)
}

// composite applies the weighted sum and the three ordered adjustments,
// then clamps to [0, 1].
func composite(f model.Features) float64 {
	score := weightIntermittency*f.IntermittencyScore +
		weightRerunPassRate*f.RerunPassRate +
		weightFailureClustering*f.FailureClustering +
		weightMessageSigVariance*f.MessageSignatureVariance +
		weightFailSuccessRatio*f.FailSuccessRatio

	if f.TotalRuns > 0 {
		// Adjustment 1: broken, not flaky.
		if float64(f.MaxConsecutiveFailures) >= 0.8*float64(f.TotalRuns) {
			score *= 1 - 0.10*(float64(f.MaxConsecutiveFailures)/float64(f.TotalRuns))
		}
		// Adjustment 2: classic flaky.
		if f.RerunPassRate > 0.3 && f.IntermittencyScore > 0.4 {
			score *= 1.2
		}
		// Adjustment 3: recently broken.
		if float64(f.ConsecutiveFailures) >= math.Min(5, 0.6*float64(f.TotalRuns)) {
			score *= 0.8
		}
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// confidenceFor saturates at 1.0 as totalRuns approaches minRunsForQuarantine.
func confidenceFor(totalRuns, minRuns int) float64 {
	if minRuns <= 0 {
		minRuns = 5
	}
	c := float64(totalRuns) / float64(minRuns)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// recommendFor applies the scorer's own coarse recommendation using
// fixed bands; pkg/policy is authoritative once repo-level overrides and
// path exclusions are considered.
func recommendFor(score float64, f model.Features, opt Options) string {
	if f.TotalRuns < opt.minRuns() {
		return "none"
	}
	if score >= opt.quarantineThreshold() && f.RecentFailures >= 2 {
		return "quarantine"
	}
	if score >= opt.warnThreshold() {
		return "warn"
	}
	return "none"
}
