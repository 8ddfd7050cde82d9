package engine

import (
	"context"
	"time"
)

// backoffDelay returns min(base * 2^retryCount, max). Monotonically
// non-decreasing in retryCount up to the cap, which throttles hot-looping
// against a degraded remote.
func backoffDelay(retryCount int, base, max time.Duration) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	return d
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
