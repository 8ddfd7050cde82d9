// Package stats aggregates queue depth and storage utilization for
// presentation layers.
package stats

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/satchelhq/satchel/internal/queue"
	"github.com/satchelhq/satchel/internal/store"
)

// Stats is one point-in-time view of the engine's local state.
type Stats struct {
	Pending int                                     `json:"pending"`
	Synced  int                                     `json:"synced"`
	Failed  int                                     `json:"failed"`
	ByType  map[queue.MutationType]queue.TypeCounts `json:"by_type"`

	StorageUsedBytes  int64   `json:"storage_used_bytes"`
	StorageQuotaBytes int64   `json:"storage_quota_bytes"`
	StorageUsedPct    float64 `json:"storage_used_pct"`

	CollectedAt time.Time `json:"collected_at"`
}

// Collector derives stats from the mutation queue and the durable store.
type Collector struct {
	queue  *queue.Queue
	db     *store.DB
	logger *log.Logger
}

// NewCollector creates a Collector.
func NewCollector(q *queue.Queue, db *store.DB, logger *log.Logger) *Collector {
	if logger == nil {
		logger = log.New(os.Stderr, "[stats] ", log.LstdFlags)
	}
	return &Collector{queue: q, db: db, logger: logger}
}

// Snapshot returns current stats.
func (c *Collector) Snapshot(ctx context.Context) (Stats, error) {
	counts, err := c.queue.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to collect queue counts: %w", err)
	}

	usage, err := c.db.Usage(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to collect storage usage: %w", err)
	}

	return Stats{
		Pending:           counts.Pending,
		Synced:            counts.Synced,
		Failed:            counts.Failed,
		ByType:            counts.ByType,
		StorageUsedBytes:  usage.UsedBytes,
		StorageQuotaBytes: usage.QuotaBytes,
		StorageUsedPct:    usage.UsedPct,
		CollectedAt:       time.Now().UTC(),
	}, nil
}

// Run pushes a fresh snapshot to fn on the given interval until ctx is
// cancelled. Collection errors are logged, not fatal.
func (c *Collector) Run(ctx context.Context, interval time.Duration, fn func(Stats)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			s, err := c.Snapshot(ctx)
			if err != nil {
				c.logger.Printf("Stats refresh failed: %v", err)
				continue
			}
			fn(s)
		}
	}
}
