// Package cluster implements the failure clusterer (spec.md §4.5 / C5):
// adaptive temporal clustering of failed occurrences plus burstiness,
// periodicity, and randomness pattern metrics over the resulting
// clusters.
package cluster

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
	"github.com/thc1006/flakeguard-sub006/pkg/shared/stats"
)

// minThreshold and defaultThreshold bound the adaptive gap threshold
// (spec.md §4.5: "max(30 min, Q3 + 1.5*IQR)... default 2h when no gaps").
const (
	minThreshold     = 30 * time.Minute
	defaultThreshold = 2 * time.Hour
)

// Cluster is one temporally-grouped set of failed occurrences.
type Cluster struct {
	Start       time.Time
	End         time.Time
	Members     []model.Occurrence
	TestIDs     []uuid.UUID
	DurationMin float64
	Density     float64
	AvgGapSecs  float64
}

// PatternMetrics summarizes a cluster set (spec.md §4.5).
type PatternMetrics struct {
	Burstiness  float64
	Periodicity float64
	Randomness  float64
}

// Clusters performs adaptive temporal clustering over failed occurrences.
// occs need not be pre-filtered to failures or pre-sorted; Clusters does
// both on a working copy.
func Clusters(occs []model.Occurrence) []Cluster {
	failed := make([]model.Occurrence, 0, len(occs))
	for _, o := range occs {
		if o.Status.IsFailure() {
			failed = append(failed, o)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].CreatedAt.Before(failed[j].CreatedAt) })
	if len(failed) < 2 {
		return nil
	}

	gapSecs := make([]float64, 0, len(failed)-1)
	for i := 1; i < len(failed); i++ {
		gapSecs = append(gapSecs, failed[i].CreatedAt.Sub(failed[i-1].CreatedAt).Seconds())
	}
	threshold := adaptiveThreshold(gapSecs)

	var clusters []Cluster
	groupStart := 0
	flush := func(end int) {
		if end-groupStart < 2 {
			return
		}
		members := failed[groupStart:end]
		clusters = append(clusters, buildCluster(members))
	}
	for i := 1; i < len(failed); i++ {
		gap := failed[i].CreatedAt.Sub(failed[i-1].CreatedAt)
		if gap > threshold {
			flush(i)
			groupStart = i
		}
	}
	flush(len(failed))
	return clusters
}

func adaptiveThreshold(gapSecs []float64) time.Duration {
	if len(gapSecs) == 0 {
		return defaultThreshold
	}
	q3 := stats.Quartile(gapSecs, 0.75)
	iqr := stats.IQR(gapSecs)
	adaptive := time.Duration((q3 + 1.5*iqr) * float64(time.Second))
	if adaptive < minThreshold {
		return minThreshold
	}
	return adaptive
}

func buildCluster(members []model.Occurrence) Cluster {
	start := members[0].CreatedAt
	end := members[len(members)-1].CreatedAt
	durationMin := end.Sub(start).Minutes()

	testIDSet := map[uuid.UUID]struct{}{}
	var gapSecs []float64
	for i, m := range members {
		testIDSet[m.TestID] = struct{}{}
		if i > 0 {
			gapSecs = append(gapSecs, m.CreatedAt.Sub(members[i-1].CreatedAt).Seconds())
		}
	}
	testIDs := make([]uuid.UUID, 0, len(testIDSet))
	for id := range testIDSet {
		testIDs = append(testIDs, id)
	}

	denom := durationMin
	if denom < 1 {
		denom = 1
	}

	return Cluster{
		Start:       start,
		End:         end,
		Members:     members,
		TestIDs:     testIDs,
		DurationMin: durationMin,
		Density:     float64(len(members)) / denom,
		AvgGapSecs:  stats.Mean(gapSecs),
	}
}

// Metrics computes burstiness, periodicity, and randomness over a
// cluster set (spec.md §4.5).
func Metrics(clusters []Cluster) PatternMetrics {
	if len(clusters) == 0 {
		return PatternMetrics{Burstiness: 0, Periodicity: 0, Randomness: 1}
	}

	densities := make([]float64, len(clusters))
	sizes := make([]float64, len(clusters))
	for i, c := range clusters {
		densities[i] = c.Density
		sizes[i] = float64(len(c.Members))
	}

	burstiness := clampUnit(stats.CoefficientOfVariation(densities))

	periodicity := 0.0
	if len(clusters) >= 3 {
		centers := make([]time.Time, len(clusters))
		for i, c := range clusters {
			centers[i] = c.Start.Add(c.End.Sub(c.Start) / 2)
		}
		intervals := make([]float64, 0, len(centers)-1)
		for i := 1; i < len(centers); i++ {
			intervals = append(intervals, centers[i].Sub(centers[i-1]).Seconds())
		}
		periodicity = clampUnit(1 - stats.CoefficientOfVariation(intervals))
	}

	// CV of deviations-from-mean is always 0 (they sum to zero by
	// construction), so "vs expected" is read as the CV of sizes itself,
	// the same treatment burstiness gives densities.
	randomness := clampUnit(1 - stats.CoefficientOfVariation(sizes))

	return PatternMetrics{Burstiness: burstiness, Periodicity: periodicity, Randomness: randomness}
}

// FailureClustering derives the §4.4 scorer feature from burstiness and
// the mean cluster density: the scorer's flakiness signal is stronger
// when failures bunch into dense, bursty clusters rather than spreading
// evenly or occurring once each.
func FailureClustering(clusters []Cluster) float64 {
	if len(clusters) == 0 {
		return 0
	}
	metrics := Metrics(clusters)
	densities := make([]float64, len(clusters))
	for i, c := range clusters {
		densities[i] = c.Density
	}
	normalizedDensity := clampUnit(stats.Mean(densities) / 10)
	return clampUnit(0.6*metrics.Burstiness + 0.4*normalizedDensity)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
