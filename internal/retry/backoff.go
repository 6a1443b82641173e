package retry

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential delays between attempts.
type Backoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64 // Fraction in [0,1]; delay varies by ± Jitter*delay

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff returns 1s base, 60s cap, 20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay: time.Second,
		MaxDelay:  time.Minute,
		Jitter:    0.2,
	}
}

// NextDelay returns the delay before retry number attempt (1-based):
// BaseDelay * 2^(attempt-1) with jitter, raised to hint when the provider
// asked for longer, and capped at MaxDelay.
func (b Backoff) NextDelay(attempt int, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.BaseDelay) * math.Pow(2, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}

	if b.Jitter > 0 {
		r := b.Rand
		if r == nil {
			r = rand.Float64
		}
		delay += delay * b.Jitter * (2*r() - 1)
	}

	d := time.Duration(delay)
	if hint > d {
		d = hint
	}
	if b.MaxDelay > 0 && d > b.MaxDelay {
		d = b.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}
