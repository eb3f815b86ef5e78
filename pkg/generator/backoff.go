package generator

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Delay returns the wait before retry number n (1-based):
// BaseDelay * 2^(n-1), capped at MaxDelay, plus up to 10% jitter.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	multiplier := math.Pow(2, float64(n-1))
	delay := time.Duration(float64(b.BaseDelay) * multiplier)

	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}

	// Add 10% jitter
	jitter := time.Duration(rand.Float64() * 0.1 * float64(delay))
	return delay + jitter
}
