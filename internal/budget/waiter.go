package budget

import (
	"context"
	"time"
)

// WaiterLogger receives countdown notifications during long waits.
type WaiterLogger interface {
	LogWaitCountdown(remaining, total time.Duration)
}

// Waiter sleeps for backoff delays, honoring cancellation and announcing a
// countdown for waits longer than the announce interval.
type Waiter struct {
	announceInt time.Duration // Interval between countdown announcements (0 = never)
	logger      WaiterLogger  // Can be nil
}

// NewWaiter creates a waiter. announceInterval <= 0 disables countdowns.
func NewWaiter(announceInterval time.Duration, logger WaiterLogger) *Waiter {
	return &Waiter{
		announceInt: announceInterval,
		logger:      logger,
	}
}

// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in the
// latter case.
func (w *Waiter) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	endTime := time.Now().Add(d)
	done := time.NewTimer(d)
	defer done.Stop()

	var tickC <-chan time.Time
	if w != nil && w.logger != nil && w.announceInt > 0 && d > w.announceInt {
		ticker := time.NewTicker(w.announceInt)
		defer ticker.Stop()
		tickC = ticker.C
		w.logger.LogWaitCountdown(d, d)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done.C:
			return nil
		case now := <-tickC:
			if remaining := endTime.Sub(now); remaining > 0 {
				w.logger.LogWaitCountdown(remaining, d)
			}
		}
	}
}
