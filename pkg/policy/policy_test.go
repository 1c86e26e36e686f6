package policy

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/thc1006/flakeguard-sub006/pkg/model"
)

func scoreOf(value float64, totalRuns, recentFailures int) model.FlakeScore {
	return model.FlakeScore{
		TestID: uuid.New(),
		Score:  value,
		Features: model.Features{
			TotalRuns:      totalRuns,
			RecentFailures: recentFailures,
		},
		LastUpdatedAt: time.Now(),
	}
}

func TestEvaluateNoneBelowMinRuns(t *testing.T) {
	score := scoreOf(0.9, 3, 3)
	d := Evaluate(score, "pkg/foo/bar_test.go", DefaultConfig(), nil)
	if d.Action != ActionNone {
		t.Fatalf("expected none below minRunsForQuarantine, got %s", d.Action)
	}
}

func TestEvaluateQuarantine(t *testing.T) {
	score := scoreOf(0.7, 10, 3)
	d := Evaluate(score, "pkg/foo/bar_test.go", DefaultConfig(), nil)
	if d.Action != ActionQuarantine {
		t.Fatalf("expected quarantine, got %s", d.Action)
	}
	if d.Priority != PriorityHigh {
		t.Fatalf("expected high priority for score 0.7, got %s", d.Priority)
	}
}

func TestEvaluateQuarantineRequiresRecentFailures(t *testing.T) {
	score := scoreOf(0.7, 10, 0)
	d := Evaluate(score, "pkg/foo/bar_test.go", DefaultConfig(), nil)
	if d.Action != ActionWarn {
		t.Fatalf("expected warn when score high but recentFailures below threshold, got %s", d.Action)
	}
}

func TestEvaluateWarn(t *testing.T) {
	score := scoreOf(0.4, 10, 0)
	d := Evaluate(score, "pkg/foo/bar_test.go", DefaultConfig(), nil)
	if d.Action != ActionWarn {
		t.Fatalf("expected warn, got %s", d.Action)
	}
}

func TestEvaluateNoneLowScore(t *testing.T) {
	score := scoreOf(0.1, 10, 0)
	d := Evaluate(score, "pkg/foo/bar_test.go", DefaultConfig(), nil)
	if d.Action != ActionNone {
		t.Fatalf("expected none, got %s", d.Action)
	}
}

func TestEvaluatePathExcluded(t *testing.T) {
	score := scoreOf(0.9, 10, 5)
	override := &Override{ExcludePaths: []string{"pkg/generated/"}}
	d := Evaluate(score, "pkg/generated/foo_test.go", DefaultConfig(), override)
	if d.Action != ActionNone {
		t.Fatalf("expected excluded path to yield none, got %s", d.Action)
	}
}

func TestEvaluateOverrideLowersThreshold(t *testing.T) {
	score := scoreOf(0.5, 10, 3)
	cfg := DefaultConfig()
	lowered := 0.45
	override := &Override{FlakyThreshold: &lowered}
	d := Evaluate(score, "pkg/foo/bar_test.go", cfg, override)
	if d.Action != ActionQuarantine {
		t.Fatalf("expected override to lower quarantine threshold and trigger quarantine, got %s", d.Action)
	}
}

func TestPriorityBands(t *testing.T) {
	cases := []struct {
		score float64
		want  Priority
	}{
		{0.95, PriorityCritical},
		{0.8, PriorityCritical},
		{0.65, PriorityHigh},
		{0.6, PriorityHigh},
		{0.45, PriorityMedium},
		{0.4, PriorityMedium},
		{0.1, PriorityLow},
	}
	for _, c := range cases {
		if got := priorityFor(c.score); got != c.want {
			t.Errorf("priorityFor(%f) = %s, want %s", c.score, got, c.want)
		}
	}
}

func TestRationaleFlagsLikelyBroken(t *testing.T) {
	score := model.FlakeScore{
		TestID: uuid.New(),
		Score:  0.1,
		Features: model.Features{
			TotalRuns:              20,
			MaxConsecutiveFailures: 20,
			RecentFailures:         5,
		},
	}
	d := Evaluate(score, "pkg/foo/bar_test.go", DefaultConfig(), nil)
	if !strings.Contains(d.Rationale, "likely broken") {
		t.Fatalf("expected rationale to flag likely broken, got %q", d.Rationale)
	}
}
