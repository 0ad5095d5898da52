package connection

import (
	"math/rand"
	"time"
)

// jitterFraction is the proportional spread applied to each delay so a
// fleet of devices does not reconnect in lockstep after a broker outage.
const jitterFraction = 0.10

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	// Base is the delay before the first retry. Doubles per attempt.
	Base time.Duration

	// Max caps the delay regardless of attempt number.
	Max time.Duration
}

// Delay returns the wait before the given attempt (1-based), jittered by
// up to ±10%. Attempt values below 1 are treated as 1.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.base(attempt)
	spread := float64(d) * jitterFraction
	jitter := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(jitter)
}

// base returns the unjittered delay: min(Base * 2^(attempt-1), Max).
func (b Backoff) base(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}
