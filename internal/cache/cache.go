// Package cache manages read-only local snapshots of reference entities,
// scoped by tenant. Snapshots are written wholesale on every successful
// remote fetch and read without touching the network; speculative local
// edits never land here directly, they flow through the mutation queue.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/satchelhq/satchel/internal/store"
)

// EntityType identifies a cached reference entity family.
type EntityType string

const (
	EntityRosterMember     EntityType = "roster_member"
	EntityScheduleEntry    EntityType = "schedule_entry"
	EntityAssignment       EntityType = "assignment"
	EntitySubject          EntityType = "subject"
	EntitySection          EntityType = "section"
	EntityAttendanceRecord EntityType = "attendance_record"
	EntityHomeworkItem     EntityType = "homework_item"
	EntityConversation     EntityType = "conversation"
	EntityMessage          EntityType = "message"
	EntityContact          EntityType = "contact"
)

// EntityTypes lists every cached entity family.
var EntityTypes = []EntityType{
	EntityRosterMember,
	EntityScheduleEntry,
	EntityAssignment,
	EntitySubject,
	EntitySection,
	EntityAttendanceRecord,
	EntityHomeworkItem,
	EntityConversation,
	EntityMessage,
	EntityContact,
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Record is one cached snapshot row. Data holds the denormalized fields
// needed for offline rendering, already joined and flattened.
type Record struct {
	TenantID   string          `json:"tenant_id"`
	EntityType EntityType      `json:"entity_type"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	CachedAt   time.Time       `json:"cached_at"`

	// LocalID and Pending mark optimistic rows (message sends) awaiting
	// their server-issued identity. The UI uses Pending to distinguish
	// them; Reconcile swaps LocalID for the canonical id.
	LocalID string `json:"local_id,omitempty"`
	Pending bool   `json:"pending,omitempty"`
}

// Filter narrows ReadSnapshot results.
type Filter struct {
	// IDs restricts to specific record ids (empty = all).
	IDs []string
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Manager reads and writes tenant-scoped entity snapshots.
type Manager struct {
	db *store.DB
}

// New creates a Manager over db.
func New(db *store.DB) *Manager {
	return &Manager{db: db}
}

// WriteSnapshot replaces the snapshot for (tenant, type) wholesale.
//
// Pending optimistic rows survive the replace; they are owned by the sync
// engine and removed only by Reconcile once the server acknowledges them.
func (m *Manager) WriteSnapshot(ctx context.Context, tenant string, typ EntityType, records []Record) error {
	if tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	if !typ.Valid() {
		return fmt.Errorf("unknown entity type %q", typ)
	}
	if err := m.db.CheckQuota(ctx); err != nil {
		return err
	}

	tx, err := m.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE tenant_id = ? AND entity_type = ? AND pending = 0`,
		tenant, string(typ),
	); err != nil {
		return fmt.Errorf("failed to clear snapshot %s/%s: %w", tenant, typ, err)
	}

	now := store.FormatTime(time.Now())
	insert := `
	INSERT INTO snapshots (tenant_id, entity_type, record_id, local_id, pending, data, cached_at)
	VALUES (?, ?, ?, '', 0, ?, ?)
	ON CONFLICT(tenant_id, entity_type, record_id) DO UPDATE SET
		data = excluded.data,
		cached_at = excluded.cached_at
	`
	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("snapshot record for %s/%s has no id", tenant, typ)
		}
		if _, err := tx.ExecContext(ctx, insert, tenant, string(typ), rec.ID, string(rec.Data), now); err != nil {
			return fmt.Errorf("failed to write snapshot record %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot %s/%s: %w", tenant, typ, err)
	}

	return nil
}

// ReadSnapshot returns cached records for (tenant, type). Reads never
// touch the network and never cross tenant scopes.
func (m *Manager) ReadSnapshot(ctx context.Context, tenant string, typ EntityType, filter *Filter) ([]Record, error) {
	conditions := []string{"tenant_id = ?", "entity_type = ?"}
	args := []interface{}{tenant, string(typ)}

	if filter != nil && len(filter.IDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(filter.IDs)), ", ")
		conditions = append(conditions, "record_id IN ("+placeholders+")")
		for _, id := range filter.IDs {
			args = append(args, id)
		}
	}

	query := `
	SELECT tenant_id, entity_type, record_id, local_id, pending, data, cached_at
	FROM snapshots
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY record_id ASC
	`

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := m.db.RawDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s/%s: %w", tenant, typ, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// PutPending inserts an optimistic record under its local id, flagged
// pending so the UI can distinguish it until the server acknowledges.
func (m *Manager) PutPending(ctx context.Context, tenant string, typ EntityType, localID string, data json.RawMessage) error {
	if localID == "" {
		return fmt.Errorf("local id is required")
	}
	query := `
	INSERT INTO snapshots (tenant_id, entity_type, record_id, local_id, pending, data, cached_at)
	VALUES (?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT(tenant_id, entity_type, record_id) DO UPDATE SET
		data = excluded.data,
		cached_at = excluded.cached_at
	`
	_, err := m.db.RawDB().ExecContext(ctx, query,
		tenant, string(typ), localID, localID, string(data), store.FormatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to put pending record %s: %w", localID, err)
	}
	return nil
}

// Reconcile swaps a pending record's local id for the server-issued id.
//
// The swap happens in one transaction so a concurrent reader sees either
// the pending row or the canonical row, never neither and never both.
// If a snapshot refresh already delivered the canonical record, the
// pending row is simply dropped.
func (m *Manager) Reconcile(ctx context.Context, tenant string, typ EntityType, localID, serverID string) error {
	if localID == "" || serverID == "" {
		return fmt.Errorf("both local and server ids are required")
	}

	tx, err := m.db.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM snapshots WHERE tenant_id = ? AND entity_type = ? AND record_id = ?)`,
		tenant, string(typ), serverID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for canonical record %s: %w", serverID, err)
	}

	if exists {
		_, err = tx.ExecContext(ctx,
			`DELETE FROM snapshots WHERE tenant_id = ? AND entity_type = ? AND local_id = ? AND pending = 1`,
			tenant, string(typ), localID)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE snapshots SET record_id = ?, local_id = '', pending = 0
			 WHERE tenant_id = ? AND entity_type = ? AND local_id = ? AND pending = 1`,
			serverID, tenant, string(typ), localID)
	}
	if err != nil {
		return fmt.Errorf("failed to reconcile %s -> %s: %w", localID, serverID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reconcile %s -> %s: %w", localID, serverID, err)
	}

	return nil
}

// LastRefresh returns the last successful refresh for (tenant, type).
// ok is false when no refresh has ever completed.
func (m *Manager) LastRefresh(ctx context.Context, tenant string, typ EntityType) (refreshed time.Time, ok bool, err error) {
	var s string
	err = m.db.RawDB().QueryRowContext(ctx,
		`SELECT refreshed_at FROM sync_meta WHERE tenant_id = ? AND entity_type = ?`,
		tenant, string(typ),
	).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read sync meta %s/%s: %w", tenant, typ, err)
	}

	t, err := store.ParseTime(s)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse refreshed_at: %w", err)
	}
	return t, true, nil
}

// TouchRefresh records a successful refresh for (tenant, type).
func (m *Manager) TouchRefresh(ctx context.Context, tenant string, typ EntityType, when time.Time) error {
	query := `
	INSERT INTO sync_meta (tenant_id, entity_type, refreshed_at)
	VALUES (?, ?, ?)
	ON CONFLICT(tenant_id, entity_type) DO UPDATE SET
		refreshed_at = excluded.refreshed_at
	`
	_, err := m.db.RawDB().ExecContext(ctx, query, tenant, string(typ), store.FormatTime(when))
	if err != nil {
		return fmt.Errorf("failed to touch sync meta %s/%s: %w", tenant, typ, err)
	}
	return nil
}

// scanRecords scans query results into records.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record

	for rows.Next() {
		var rec Record
		var typ, data, cachedAt string
		var pending int

		err := rows.Scan(&rec.TenantID, &typ, &rec.ID, &rec.LocalID, &pending, &data, &cachedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot record: %w", err)
		}

		rec.EntityType = EntityType(typ)
		rec.Pending = pending != 0
		rec.Data = json.RawMessage(data)

		t, err := store.ParseTime(cachedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cached_at: %w", err)
		}
		rec.CachedAt = t

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshot records: %w", err)
	}

	return records, nil
}
