package engine

import (
	"context"
	"testing"
	"time"
)

// TestBackoffDelay_Schedule tests the doubling schedule and the cap
func TestBackoffDelay_Schedule(t *testing.T) {
	base := time.Second
	max := 30 * time.Second

	cases := []struct {
		retries int
		want    time.Duration
	}{
		{0, 0},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}

	for _, tc := range cases {
		if got := backoffDelay(tc.retries, base, max); got != tc.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.retries, got, tc.want)
		}
	}
}

// TestBackoffDelay_NeverExceedsMax tests that the cap holds for any count
func TestBackoffDelay_NeverExceedsMax(t *testing.T) {
	max := 30 * time.Second
	for retries := 0; retries < 64; retries++ {
		if got := backoffDelay(retries, time.Second, max); got > max {
			t.Fatalf("backoffDelay(%d) = %v, exceeds %v", retries, got, max)
		}
	}
}

// TestSleepCtx_Cancelled tests that cancellation interrupts the wait
func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleepCtx(ctx, time.Minute)
	if err == nil {
		t.Fatal("sleepCtx() returned nil under cancelled context")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("sleepCtx() took %v, want immediate return", elapsed)
	}
}

// TestSleepCtx_ZeroDuration tests that a zero wait returns immediately
func TestSleepCtx_ZeroDuration(t *testing.T) {
	if err := sleepCtx(context.Background(), 0); err != nil {
		t.Errorf("sleepCtx(0) = %v, want nil", err)
	}
}
