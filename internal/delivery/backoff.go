package delivery

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential growth from Base, capped at Max,
// with a multiplicative jitter drawn from rng so synchronized clients don't
// produce retry storms.
//
// Delay is a pure function of (attempt, rng): given a seeded source the
// sequence is fully deterministic, which is what the tests rely on.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Jitter bounds: the computed delay is scaled by a factor in [0.7, 1.3).
const (
	jitterLow  = 0.7
	jitterSpan = 0.6
)

// Delay returns the pause before the next attempt, where attempt counts the
// failures so far (first failure = 1).
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := b.Max
	if maxD <= 0 {
		maxD = 10 * time.Second
	}

	// Exponential: base * 2^(attempt-1), saturating at maxD.
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}

	if rng != nil {
		j := jitterLow + rng.Float64()*jitterSpan
		d = time.Duration(float64(d) * j)
	}
	if d < 0 {
		return 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
