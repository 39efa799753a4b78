package reliability

import (
	"context"
	"time"
)

// ExponentialBackoff computes connection retry delays. The first attempt
// waits nothing; attempt n waits Base * 2^(n-1), capped at Max when set.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the given attempt (1-based). Attempt 1 has
// no delay.
func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := b.Base << uint(attempt-2)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Wait sleeps for the attempt's delay, honoring context cancellation.
func (b ExponentialBackoff) Wait(ctx context.Context, attempt int) error {
	delay := b.Delay(attempt)
	if delay == 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
