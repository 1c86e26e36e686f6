// Package policy implements the quarantine policy evaluator (spec.md
// §4.6 / C6): a deterministic decision table mapping a FlakeScore and its
// features to {none, warn, quarantine}, with repo-level overrides.
package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

// Action is the policy's recommendation for a TestCase.
type Action string

const (
	ActionNone       Action = "none"
	ActionWarn       Action = "warn"
	ActionQuarantine Action = "quarantine"
)

// Priority bands a decision by score (spec.md §4.6).
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Config carries the tunable thresholds (spec.md §4.6 defaults).
type Config struct {
	WarnThreshold        float64
	QuarantineThreshold  float64
	MinRunsForQuarantine int
	MinRecentFailures    int
	LookbackDays         int
	RollingWindowSize    int
}

// DefaultConfig returns the spec.md §4.6 defaults.
func DefaultConfig() Config {
	return Config{
		WarnThreshold:        0.3,
		QuarantineThreshold:  0.6,
		MinRunsForQuarantine: 5,
		MinRecentFailures:    2,
		LookbackDays:         7,
		RollingWindowSize:    50,
	}
}

// Override is a repo-level policy override (spec.md §4.6): a narrower
// flaky threshold, a higher occurrence floor, and path exclusions.
// LabelsRequired is parsed and kept but Evaluate does not apply it.
type Override struct {
	FlakyThreshold *float64 `yaml:"flaky_threshold,omitempty" json:"flaky_threshold,omitempty"`
	MinOccurrences *int     `yaml:"min_occurrences,omitempty" json:"min_occurrences,omitempty"`
	ExcludePaths   []string `yaml:"exclude_paths,omitempty" json:"exclude_paths,omitempty"`
	LabelsRequired []string `yaml:"labels_required,omitempty" json:"labels_required,omitempty"`
}

// apply overlays a non-nil override onto cfg, returning a new Config.
func (cfg Config) apply(o *Override) Config {
	if o == nil {
		return cfg
	}
	out := cfg
	if o.FlakyThreshold != nil {
		out.QuarantineThreshold = *o.FlakyThreshold
	}
	if o.MinOccurrences != nil {
		out.MinRunsForQuarantine = *o.MinOccurrences
	}
	return out
}

// Decision is the evaluator's output for one TestCase.
type Decision struct {
	TestID    string
	Action    Action
	Priority  Priority
	Rationale string
}

// Evaluate maps a score and its features to a Decision per the spec.md
// §4.6 decision table. When testPath starts with one of override's
// exclude_paths the decision is none; the match is a literal path-prefix
// test.
func Evaluate(score model.FlakeScore, testPath string, cfg Config, override *Override) Decision {
	effective := cfg.apply(override)

	if override != nil && pathExcluded(testPath, override.ExcludePaths) {
		return Decision{
			TestID:    score.TestID.String(),
			Action:    ActionNone,
			Priority:  PriorityLow,
			Rationale: fmt.Sprintf("%s is excluded from policy evaluation by repo override", testPath),
		}
	}

	if score.Features.TotalRuns < effective.MinRunsForQuarantine {
		return Decision{
			TestID:   score.TestID.String(),
			Action:   ActionNone,
			Priority: PriorityLow,
			Rationale: fmt.Sprintf("only %d runs observed, below the %d required for a confident decision",
				score.Features.TotalRuns, effective.MinRunsForQuarantine),
		}
	}

	action := ActionNone
	switch {
	case score.Score >= effective.QuarantineThreshold && score.Features.RecentFailures >= effective.MinRecentFailures:
		action = ActionQuarantine
	case score.Score >= effective.WarnThreshold:
		action = ActionWarn
	}

	return Decision{
		TestID:    score.TestID.String(),
		Action:    action,
		Priority:  priorityFor(score.Score),
		Rationale: rationale(score, action),
	}
}

func pathExcluded(testPath string, excludePaths []string) bool {
	for _, p := range excludePaths {
		if p == "" {
			continue
		}
		if strings.HasPrefix(testPath, p) {
			return true
		}
	}
	return false
}

func priorityFor(score float64) Priority {
	switch {
	case score >= 0.8:
		return PriorityCritical
	case score >= 0.6:
		return PriorityHigh
	case score >= 0.4:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// rationale builds a human-readable string from the dominant §4.4
// features, in descending order of contribution to the composite score.
func rationale(score model.FlakeScore, action Action) string {
	f := score.Features
	type weighted struct {
		name string
		pct  float64
	}
	contributors := []weighted{
		{"intermittency", f.IntermittencyScore},
		{"rerun pass rate", f.RerunPassRate},
		{"failure clustering", f.FailureClustering},
		{"message signature variance", f.MessageSignatureVariance},
		{"fail/success ratio", f.FailSuccessRatio},
	}
	sort.Slice(contributors, func(i, j int) bool { return contributors[i].pct > contributors[j].pct })

	var parts []string
	for _, c := range contributors[:2] {
		if c.pct <= 0 {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %.0f%%", c.name, c.pct*100))
	}

	base := fmt.Sprintf("score %.0f%% driven by %s", score.Score*100, strings.Join(parts, ", "))
	if f.TotalRuns > 0 && float64(f.MaxConsecutiveFailures) >= 0.8*float64(f.TotalRuns) {
		base += "; likely broken rather than flaky"
	}
	if action == ActionQuarantine {
		base += fmt.Sprintf("; %d failures in the last lookback window", f.RecentFailures)
	}
	return base
}
