package session

import (
	"math/rand"
	"time"
)

// Delay returns how long to wait after the given failed attempt (1-based).
// The first retry waits InitialDelay; each later one grows by Multiplier
// up to MaxDelay. With Jitter, retries after the first are scaled by a
// factor in [0.5, 1.5); a nil rng uses 0.5.
func (b BackoffConfig) Delay(attempt int, rng *rand.Rand) time.Duration {
	if b.InitialDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return b.InitialDelay
	}
	growth := b.Multiplier
	if growth < 1 {
		growth = 1
	}
	d := float64(b.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= growth
		if b.MaxDelay > 0 && d >= float64(b.MaxDelay) {
			d = float64(b.MaxDelay)
			break
		}
	}
	if b.Jitter {
		scale := 0.5
		if rng != nil {
			scale += rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(attempt, rng). It returns false if done closes
// first. A nil done never closes.
func (b BackoffConfig) Wait(done <-chan struct{}, attempt int, rng *rand.Rand) bool {
	timer := time.NewTimer(b.Delay(attempt, rng))
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}
