// Package engine drains the mutation queue against the remote system of
// record.
//
// One drain cycle moves the engine Idle -> Draining -> Idle. The draining
// flag is the only lock in the system: a second trigger while a drain is
// in flight is a no-op, not a queued second drain. The flag is released
// on every exit path.
//
// Items are processed in priority-then-insertion order from a snapshot of
// the queue; items enqueued mid-drain are picked up by the next trigger.
// Each item fails or succeeds in isolation, so the cycle is safely
// re-runnable from any point: remote writes are idempotent per item
// (conflict-keyed upserts, plus a per-item idempotency key) and all queue
// state transitions are idempotent.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/satchelhq/satchel/internal/cache"
	"github.com/satchelhq/satchel/internal/connectivity"
	"github.com/satchelhq/satchel/internal/queue"
	"github.com/satchelhq/satchel/internal/remote"
)

// Config holds engine tunables.
type Config struct {
	// RetryCeiling is the failed-attempt count after which an item is
	// left to the stats view instead of being retried.
	RetryCeiling int

	// BackoffBase and BackoffMax bound the per-item pre-attempt wait:
	// min(BackoffBase * 2^retryCount, BackoffMax).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// Retention is how long synced items stay queryable before the
	// post-drain sweep removes them.
	Retention time.Duration

	// Logger for drain activity.
	Logger *log.Logger
}

// DefaultConfig returns the standard policy: ceiling 5, backoff 1s
// doubling to a 30s cap, 24h retention.
func DefaultConfig() *Config {
	return &Config{
		RetryCeiling: queue.DefaultRetryCeiling,
		BackoffBase:  time.Second,
		BackoffMax:   30 * time.Second,
		Retention:    24 * time.Hour,
		Logger:       log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Report summarizes one drain cycle for user-facing notification.
type Report struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	// Skipped counts ceiling-exceeded items observed in the batch.
	Skipped int `json:"skipped"`
	// Purged counts synced items removed by the retention sweep.
	Purged int64 `json:"purged"`
}

// Notifier receives the report after every drain cycle that ran a batch.
type Notifier func(Report)

// Engine coordinates queue drains, retry policy, and optimistic identity
// reconciliation.
type Engine struct {
	queue   *queue.Queue
	cache   *cache.Manager
	gateway remote.Gateway
	monitor *connectivity.Monitor
	cfg     *Config

	draining    atomic.Bool
	notify      Notifier
	unsubscribe func()
}

// New creates an Engine. monitor may be nil, in which case the engine
// assumes it is always online (useful for one-shot CLI drains).
func New(q *queue.Queue, c *cache.Manager, g remote.Gateway, monitor *connectivity.Monitor, cfg *Config) (*Engine, error) {
	if q == nil || c == nil || g == nil {
		return nil, fmt.Errorf("queue, cache and gateway are required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	return &Engine{
		queue:   q,
		cache:   c,
		gateway: g,
		monitor: monitor,
		cfg:     cfg,
	}, nil
}

// OnReport registers the post-drain notification callback.
func (e *Engine) OnReport(fn Notifier) {
	e.notify = fn
}

// Start subscribes the engine to connectivity transitions: every
// transition into online (and every periodic online wake-up) triggers an
// opportunistic drain. ctx bounds all triggered drains.
func (e *Engine) Start(ctx context.Context) {
	if e.monitor == nil {
		return
	}
	e.unsubscribe = e.monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go func() {
			if _, err := e.Drain(ctx); err != nil {
				e.cfg.Logger.Printf("Drain after reconnect failed: %v", err)
			}
		}()
	})
}

// Close deregisters the connectivity subscription.
func (e *Engine) Close() {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
}

// NotifyEnqueued triggers an opportunistic drain after a successful
// enqueue while online. Safe to call from any goroutine.
func (e *Engine) NotifyEnqueued(ctx context.Context) {
	if e.monitor != nil && !e.monitor.Online() {
		return
	}
	go func() {
		if _, err := e.Drain(ctx); err != nil {
			e.cfg.Logger.Printf("Drain after enqueue failed: %v", err)
		}
	}()
}

// Drain runs one drain cycle. Returns immediately when offline or when a
// cycle is already in flight.
func (e *Engine) Drain(ctx context.Context) (Report, error) {
	var rep Report

	if e.monitor != nil && !e.monitor.Online() {
		return rep, nil
	}
	if !e.draining.CompareAndSwap(false, true) {
		return rep, nil
	}
	defer e.draining.Store(false)

	items, err := e.queue.ListPending(ctx)
	if err != nil {
		return rep, fmt.Errorf("failed to snapshot pending items: %w", err)
	}
	if len(items) == 0 {
		return rep, nil
	}

	e.cfg.Logger.Printf("Draining %d pending items", len(items))

	for _, it := range items {
		if it.RetryCount >= e.cfg.RetryCeiling {
			rep.Skipped++
			continue
		}

		if it.RetryCount > 0 {
			if err := sleepCtx(ctx, backoffDelay(it.RetryCount, e.cfg.BackoffBase, e.cfg.BackoffMax)); err != nil {
				// Cancelled mid-batch; the rest is picked up next cycle.
				break
			}
		}

		rep.Attempted++
		if err := e.deliver(ctx, it); err != nil {
			rep.Failed++
			e.cfg.Logger.Printf("WARNING: %s item %s failed (attempt %d): %v", it.Type, it.ID, it.RetryCount+1, err)
			if rerr := e.queue.IncrementRetry(ctx, it.ID, err.Error()); rerr != nil {
				e.cfg.Logger.Printf("Failed to record retry for %s: %v", it.ID, rerr)
			}
			continue
		}
		rep.Succeeded++
	}

	purged, err := e.queue.PurgeSyncedOlderThan(ctx, e.cfg.Retention)
	if err != nil {
		e.cfg.Logger.Printf("Retention sweep failed: %v", err)
	}
	rep.Purged = purged

	e.cfg.Logger.Printf("Drain complete: attempted=%d succeeded=%d failed=%d skipped=%d",
		rep.Attempted, rep.Succeeded, rep.Failed, rep.Skipped)

	if e.notify != nil {
		e.notify(rep)
	}

	return rep, nil
}

// deliver dispatches one item and applies its local state transitions.
func (e *Engine) deliver(ctx context.Context, it *queue.Item) error {
	ack, err := e.gateway.Dispatch(ctx, it)
	if err != nil {
		return err
	}

	if err := e.queue.MarkSynced(ctx, it.ID); err != nil {
		return fmt.Errorf("delivered but failed to mark synced: %w", err)
	}

	// Message sends carry an optimistic cache record under a local id;
	// swap in the server-issued identity now that the remote confirmed.
	if it.LocalID != "" && ack.ServerID != "" {
		if err := e.cache.Reconcile(ctx, it.TenantID, cache.EntityMessage, it.LocalID, ack.ServerID); err != nil {
			e.cfg.Logger.Printf("Failed to reconcile %s -> %s: %v", it.LocalID, ack.ServerID, err)
		}
	}

	return nil
}
