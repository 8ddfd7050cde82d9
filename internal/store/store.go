// Package store provides the embedded SQLite database that backs all
// durable local state: the mutation queue, cached entity snapshots, and
// per-tenant refresh metadata.
//
// The database runs fully embedded (no server process) with WAL mode so
// presentation-layer reads never block on engine writes. All writes are
// transactional; after a crash a record is either fully present or absent.
//
// Layout:
//   - queue_items: pending local mutations, discriminated by type,
//     synced_at and retry_count
//   - snapshots: cached entity records, keyed by tenant + entity type +
//     record id
//   - sync_meta: last successful refresh per (tenant, entity type)
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrQuotaExceeded is returned when a write would push local storage past
// the configured quota. Callers must surface this synchronously; it is
// never retried.
var ErrQuotaExceeded = errors.New("local storage quota exceeded")

// DB wraps the embedded SQLite connection.
type DB struct {
	conn  *sql.DB
	path  string
	quota int64
}

// Open creates (or reopens) the database at path.
//
// quotaBytes bounds local storage; zero disables the quota check.
// The caller MUST call Close() when done.
func Open(path string, quotaBytes int64) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn:  conn,
		path:  path,
		quota: quotaBytes,
	}

	// WAL keeps snapshot reads isolated from queue writes.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Mutation queue: one row per pending local write.
	-- seq preserves insertion order within a priority class.
	CREATE TABLE IF NOT EXISTS queue_items (
		seq         INTEGER PRIMARY KEY AUTOINCREMENT,
		id          TEXT NOT NULL UNIQUE,
		tenant_id   TEXT NOT NULL,
		type        TEXT NOT NULL,
		priority    TEXT NOT NULL DEFAULT 'medium',
		payload     TEXT NOT NULL,
		local_id    TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		synced_at   TEXT
	);

	-- Cached entity snapshots, denormalized for offline rendering.
	-- pending marks optimistic rows awaiting a server-issued id.
	CREATE TABLE IF NOT EXISTS snapshots (
		tenant_id   TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		record_id   TEXT NOT NULL,
		local_id    TEXT NOT NULL DEFAULT '',
		pending     INTEGER NOT NULL DEFAULT 0,
		data        TEXT NOT NULL,
		cached_at   TEXT NOT NULL,
		PRIMARY KEY (tenant_id, entity_type, record_id)
	);

	-- Last successful refresh per (tenant, entity type); drives the
	-- prefetch TTL gate.
	CREATE TABLE IF NOT EXISTS sync_meta (
		tenant_id    TEXT NOT NULL,
		entity_type  TEXT NOT NULL,
		refreshed_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, entity_type)
	);

	CREATE INDEX IF NOT EXISTS idx_queue_unsynced
	    ON queue_items(synced_at, retry_count, priority, seq);
	CREATE INDEX IF NOT EXISTS idx_queue_type ON queue_items(type);
	CREATE INDEX IF NOT EXISTS idx_queue_tenant ON queue_items(tenant_id);

	CREATE INDEX IF NOT EXISTS idx_snapshots_local
	    ON snapshots(tenant_id, entity_type, local_id) WHERE local_id != '';
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Usage reports local storage utilization.
type Usage struct {
	UsedBytes  int64
	QuotaBytes int64
	// UsedPct is 0 when no quota is configured.
	UsedPct float64
}

// Usage returns current storage usage against the configured quota.
func (db *DB) Usage(ctx context.Context) (Usage, error) {
	var pageCount, pageSize int64
	if err := db.conn.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return Usage{}, fmt.Errorf("failed to read page_count: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return Usage{}, fmt.Errorf("failed to read page_size: %w", err)
	}

	u := Usage{
		UsedBytes:  pageCount * pageSize,
		QuotaBytes: db.quota,
	}
	if db.quota > 0 {
		u.UsedPct = float64(u.UsedBytes) / float64(db.quota) * 100
	}
	return u, nil
}

// CheckQuota returns ErrQuotaExceeded when usage is at or past the quota.
// A zero quota disables the check.
func (db *DB) CheckQuota(ctx context.Context) error {
	if db.quota <= 0 {
		return nil
	}
	u, err := db.Usage(ctx)
	if err != nil {
		return err
	}
	if u.UsedBytes >= db.quota {
		return fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, u.UsedBytes, db.quota)
	}
	return nil
}

// storedTimeLayout is RFC 3339 with a fixed-width nanosecond fraction.
// Fixed width keeps lexical order consistent with time order, so SQL can
// compare stored timestamps as strings.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(storedTimeLayout), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// FormatTime renders a timestamp the way every table stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

// ParseTime parses a stored timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// NullTime converts a time pointer for binding into a nullable column.
func NullTime(t *time.Time) sql.NullString { return timeToNullString(t) }

// TimePtr converts a scanned nullable column back to a time pointer.
func TimePtr(ns sql.NullString) *time.Time { return nullStringToTime(ns) }
