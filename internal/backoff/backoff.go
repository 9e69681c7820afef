// Package backoff computes retry delays: exponential growth with optional
// jitter, capped at a maximum interval.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a backoff schedule.
type Policy struct {
	// BaseInterval is the delay after the first failure.
	BaseInterval time.Duration

	// MaxInterval caps the computed delay.
	MaxInterval time.Duration

	// Factor is the exponential growth multiplier.
	Factor float64

	// Jitter scales the delay by a random factor in [0.5, 1.5).
	Jitter bool
}

// DefaultPolicy returns the standard schedule: 100ms base, 10s cap,
// doubling, jittered.
func DefaultPolicy() Policy {
	return Policy{
		BaseInterval: 100 * time.Millisecond,
		MaxInterval:  10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Compute returns the delay before the given attempt (1-based). A nil rng
// disables jitter, making the result deterministic.
func Compute(p Policy, attempt int, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BaseInterval
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := p.MaxInterval
	if max <= 0 {
		max = 10 * time.Second
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 2.0
	}

	delay := float64(base) * math.Pow(factor, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}

	if p.Jitter && rng != nil {
		delay *= 0.5 + rng.Float64()
		if delay > float64(max) {
			delay = float64(max)
		}
	}
	return time.Duration(delay)
}
