package pacing

import (
	"math/rand/v2"
	"time"
)

// Delay returns one per-message delay. With jitter enabled each call draws an
// independent uniform factor in [1-Jitter, 1+Jitter]; rng may be nil to use the
// global source.
func (p Plan) Delay(rng *rand.Rand) time.Duration {
	base := p.BaseDelay()
	if p.Jitter <= 0 || base <= 0 {
		return base
	}
	var u float64
	if rng != nil {
		u = rng.Float64()
	} else {
		u = rand.Float64()
	}
	factor := 1 + (2*u-1)*p.Jitter
	return time.Duration(float64(base) * factor)
}

// WaitBefore returns how long to wait before dispatching the message at index i
// (0-based). The first message goes out immediately; the first message of every
// later batch additionally waits the inter-batch pause.
func (p Plan) WaitBefore(i int, rng *rand.Rand) time.Duration {
	if i <= 0 {
		return 0
	}
	wait := p.Delay(rng)
	if p.BatchSize > 0 && i%p.BatchSize == 0 {
		wait += p.Pause()
	}
	return wait
}

// Batches returns how many batches n messages are split into.
func (p Plan) Batches(n int) int {
	if n <= 0 {
		return 0
	}
	if p.BatchSize <= 0 {
		return 1
	}
	return (n + p.BatchSize - 1) / p.BatchSize
}

// Estimate returns the nominal (un-jittered) wall-clock duration of sending n messages.
func (p Plan) Estimate(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	total := time.Duration(n-1) * p.BaseDelay()
	if b := p.Batches(n); b > 1 {
		total += time.Duration(b-1) * p.Pause()
	}
	return total
}
