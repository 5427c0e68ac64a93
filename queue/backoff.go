package queue

import "time"

// Backoff computes the delay before re-running a failed attempt:
// Base * Multiplier^attempt, capped at Cap.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 2 * time.Second, Multiplier: 2, Cap: 30 * time.Second}
}

// Delay returns the backoff for the given zero-based attempt index.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.Base)
	for i := 0; i < attempt; i++ {
		delay *= b.Multiplier
		if time.Duration(delay) >= b.Cap {
			return b.Cap
		}
	}
	if time.Duration(delay) >= b.Cap {
		return b.Cap
	}
	return time.Duration(delay)
}
