package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/satchelhq/satchel/internal/store"
)

// ErrNotFound is returned when no queue item has the requested id.
var ErrNotFound = errors.New("queue item not found")

// DefaultRetryCeiling is the number of failed attempts after which an item
// is excluded from automatic drains and reported as failed.
const DefaultRetryCeiling = 5

// Queue is the durable mutation queue, backed by the queue_items table.
type Queue struct {
	db      *store.DB
	ceiling int
}

// New creates a Queue over db. A ceiling of 0 uses DefaultRetryCeiling.
func New(db *store.DB, ceiling int) *Queue {
	if ceiling <= 0 {
		ceiling = DefaultRetryCeiling
	}
	return &Queue{db: db, ceiling: ceiling}
}

// RetryCeiling returns the configured retry ceiling.
func (q *Queue) RetryCeiling() int {
	return q.ceiling
}

// Enqueue persists a new pending mutation and returns its id.
//
// Enqueue never touches the network. Storage failures (including
// store.ErrQuotaExceeded) are returned synchronously so the caller can
// warn the user; they are not retried.
func (q *Queue) Enqueue(ctx context.Context, tenant string, typ MutationType, payload json.RawMessage, pri Priority) (string, error) {
	return q.insert(ctx, &Item{
		TenantID: tenant,
		Type:     typ,
		Priority: pri,
		Payload:  payload,
	})
}

// EnqueueMessage persists a conversational send carrying the local id of
// its optimistic cache record.
func (q *Queue) EnqueueMessage(ctx context.Context, tenant string, payload json.RawMessage, pri Priority, localID string) (string, error) {
	if localID == "" {
		return "", fmt.Errorf("local id is required for message sends")
	}
	return q.insert(ctx, &Item{
		TenantID: tenant,
		Type:     TypeMessage,
		Priority: pri,
		Payload:  payload,
		LocalID:  localID,
	})
}

func (q *Queue) insert(ctx context.Context, it *Item) (string, error) {
	if err := it.Validate(); err != nil {
		return "", fmt.Errorf("invalid queue item: %w", err)
	}
	if err := q.db.CheckQuota(ctx); err != nil {
		return "", err
	}

	it.ID = uuid.NewString()
	it.CreatedAt = time.Now().UTC()

	query := `
	INSERT INTO queue_items (id, tenant_id, type, priority, payload, local_id, created_at, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.db.RawDB().ExecContext(ctx, query,
		it.ID,
		it.TenantID,
		string(it.Type),
		string(it.Priority),
		string(it.Payload),
		it.LocalID,
		store.FormatTime(it.CreatedAt),
		store.NullTime(it.SyncedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s mutation: %w", it.Type, err)
	}

	return it.ID, nil
}

// ListPending returns unsynced items below the retry ceiling, ordered by
// priority class then insertion order within the class. Ceiling-exceeded
// items are excluded here but still counted as failed by Counts.
func (q *Queue) ListPending(ctx context.Context) ([]*Item, error) {
	query := `
	SELECT id, tenant_id, type, priority, payload, local_id,
	       retry_count, last_error, created_at, synced_at
	FROM queue_items
	WHERE synced_at IS NULL AND retry_count < ?
	ORDER BY CASE priority
	             WHEN 'high' THEN 0
	             WHEN 'medium' THEN 1
	             ELSE 2
	         END ASC,
	         seq ASC
	`

	rows, err := q.db.RawDB().QueryContext(ctx, query, q.ceiling)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// Get retrieves a single item by id, including synced and failed items.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	query := `
	SELECT id, tenant_id, type, priority, payload, local_id,
	       retry_count, last_error, created_at, synced_at
	FROM queue_items
	WHERE id = ?
	`

	rows, err := q.db.RawDB().QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item: %w", err)
	}
	defer rows.Close()

	items, err := scanItems(rows)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items[0], nil
}

// ListFailed returns items excluded from automatic drains by the retry
// ceiling, for the stats detail view.
func (q *Queue) ListFailed(ctx context.Context) ([]*Item, error) {
	query := `
	SELECT id, tenant_id, type, priority, payload, local_id,
	       retry_count, last_error, created_at, synced_at
	FROM queue_items
	WHERE synced_at IS NULL AND retry_count >= ?
	ORDER BY seq ASC
	`

	rows, err := q.db.RawDB().QueryContext(ctx, query, q.ceiling)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// MarkSynced records the remote acknowledgement. Idempotent: a second call
// for the same id is a no-op and the first synced_at is preserved.
func (q *Queue) MarkSynced(ctx context.Context, id string) error {
	query := `UPDATE queue_items SET synced_at = ? WHERE id = ? AND synced_at IS NULL`
	_, err := q.db.RawDB().ExecContext(ctx, query, store.FormatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark item %s synced: %w", id, err)
	}
	return nil
}

// IncrementRetry bumps the retry count and records the failure diagnostic.
// Synced items are never touched.
func (q *Queue) IncrementRetry(ctx context.Context, id string, dispatchErr string) error {
	query := `
	UPDATE queue_items
	SET retry_count = retry_count + 1, last_error = ?
	WHERE id = ? AND synced_at IS NULL
	`
	_, err := q.db.RawDB().ExecContext(ctx, query, dispatchErr, id)
	if err != nil {
		return fmt.Errorf("failed to increment retry for item %s: %w", id, err)
	}
	return nil
}

// PurgeSyncedOlderThan deletes synced items older than the retention
// window and returns the number removed.
func (q *Queue) PurgeSyncedOlderThan(ctx context.Context, window time.Duration) (int64, error) {
	cutoff := time.Now().Add(-window)
	query := `DELETE FROM queue_items WHERE synced_at IS NOT NULL AND synced_at <= ?`
	res, err := q.db.RawDB().ExecContext(ctx, query, store.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged items: %w", err)
	}
	return n, nil
}

// TypeCounts breaks queue depth down by item state.
type TypeCounts struct {
	Pending int `json:"pending"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
}

// Counts aggregates queue depth by state and mutation type.
type Counts struct {
	Pending int                         `json:"pending"`
	Synced  int                         `json:"synced"`
	Failed  int                         `json:"failed"`
	ByType  map[MutationType]TypeCounts `json:"by_type"`
}

// Counts returns current queue depth by state and type. Items at or past
// the retry ceiling count as failed, never as pending.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	query := `
	SELECT type,
	       CASE
	           WHEN synced_at IS NOT NULL THEN 'synced'
	           WHEN retry_count >= ? THEN 'failed'
	           ELSE 'pending'
	       END AS state,
	       COUNT(*)
	FROM queue_items
	GROUP BY type, state
	`

	rows, err := q.db.RawDB().QueryContext(ctx, query, q.ceiling)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count queue items: %w", err)
	}
	defer rows.Close()

	counts := Counts{ByType: make(map[MutationType]TypeCounts)}
	for rows.Next() {
		var typ, state string
		var n int
		if err := rows.Scan(&typ, &state, &n); err != nil {
			return Counts{}, fmt.Errorf("failed to scan queue counts: %w", err)
		}

		tc := counts.ByType[MutationType(typ)]
		switch state {
		case "synced":
			counts.Synced += n
			tc.Synced += n
		case "failed":
			counts.Failed += n
			tc.Failed += n
		default:
			counts.Pending += n
			tc.Pending += n
		}
		counts.ByType[MutationType(typ)] = tc
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("error iterating queue counts: %w", err)
	}

	return counts, nil
}

// scanItems scans query results into items.
func scanItems(rows *sql.Rows) ([]*Item, error) {
	var items []*Item

	for rows.Next() {
		var it Item
		var typ, pri, payload, createdAt string
		var syncedAt sql.NullString

		err := rows.Scan(
			&it.ID,
			&it.TenantID,
			&typ,
			&pri,
			&payload,
			&it.LocalID,
			&it.RetryCount,
			&it.LastError,
			&createdAt,
			&syncedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		it.Type = MutationType(typ)
		it.Priority = Priority(pri)
		it.Payload = json.RawMessage(payload)

		t, err := store.ParseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		it.CreatedAt = t
		it.SyncedAt = store.TimePtr(syncedAt)

		items = append(items, &it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}
