package retry

import "testing"

func TestBackoffGrowsWithAttempt(t *testing.T) {
	prev := Backoff(1)
	for attempt := 2; attempt <= 4; attempt++ {
		d := Backoff(attempt)
		if d <= prev/2 {
			t.Fatalf("expected attempt %d (%s) to exceed half of attempt %d (%s)", attempt, d, attempt-1, prev)
		}
		prev = d
	}
}

func TestBackoffRespectsCap(t *testing.T) {
	d := Backoff(20)
	if d > DefaultCap {
		t.Fatalf("expected backoff to respect cap %s, got %s", DefaultCap, d)
	}
}

func TestBackoffWithCustomParams(t *testing.T) {
	d := BackoffWith(1, DefaultBase, DefaultMultiplier, 0, DefaultCap)
	if d != DefaultBase {
		t.Fatalf("expected zero jitter to return exact base, got %s", d)
	}
}

func TestBackoffNeverNegativeForAttemptZero(t *testing.T) {
	d := Backoff(0)
	if d <= 0 {
		t.Fatalf("expected positive backoff even for attempt 0, got %s", d)
	}
}
