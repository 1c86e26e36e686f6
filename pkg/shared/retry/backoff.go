// Package retry implements the jittered exponential backoff shared by
// every component that retries a transient failure: job retries (C7),
// artifact download (C2), and CI-provider rate-limit recovery (spec.md
// §6.1/§6.5): base 1s, multiplier 2, jitter 0.1, cap 30s.
package retry

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultBase       = 1 * time.Second
	DefaultMultiplier = 2.0
	DefaultJitter     = 0.1
	DefaultCap        = 30 * time.Second
)

// Backoff returns the jittered exponential delay for the given 1-indexed
// attempt number, using the spec-wide default parameters.
func Backoff(attempt int) time.Duration {
	return BackoffWith(attempt, DefaultBase, DefaultMultiplier, DefaultJitter, DefaultCap)
}

// BackoffWith computes the delay with explicit parameters, for callers
// that need a non-default cap or jitter.
func BackoffWith(attempt int, base time.Duration, multiplier, jitter float64, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if raw > float64(cap) {
		raw = float64(cap)
	}
	factor := 1 + (rand.Float64()*2-1)*jitter
	d := time.Duration(raw * factor)
	if d > cap {
		d = cap
	}
	return d
}
