// Package queue implements the durable mutation queue: an append-only,
// at-least-once log of pending local writes drained by the sync engine.
package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationType identifies the kind of local write an item carries.
// The set is closed at any given version; the engine's dispatch table
// registers a handler for every value.
type MutationType string

const (
	TypeAttendance    MutationType = "attendance"
	TypePeriodLog     MutationType = "period_log"
	TypeBehaviorNote  MutationType = "behavior_note"
	TypeHomework      MutationType = "homework"
	TypeQuickGrade    MutationType = "quick_grade"
	TypeMessage       MutationType = "message"
	TypeSupportTicket MutationType = "support_ticket"
	TypeExpense       MutationType = "expense"
	TypePayment       MutationType = "payment"
)

// MutationTypes lists every known mutation type. The dispatch registry
// iterates this to guarantee exhaustive handler coverage.
var MutationTypes = []MutationType{
	TypeAttendance,
	TypePeriodLog,
	TypeBehaviorNote,
	TypeHomework,
	TypeQuickGrade,
	TypeMessage,
	TypeSupportTicket,
	TypeExpense,
	TypePayment,
}

// Valid reports whether t is a known mutation type.
func (t MutationType) Valid() bool {
	switch t {
	case TypeAttendance, TypePeriodLog, TypeBehaviorNote, TypeHomework,
		TypeQuickGrade, TypeMessage, TypeSupportTicket, TypeExpense, TypePayment:
		return true
	}
	return false
}

// HasConflictKey reports whether the type has a natural uniqueness
// constraint on the remote side (e.g. one attendance mark per student per
// session), making redelivery safe via upsert. Types without one use plain
// insert semantics and rely on the per-item idempotency key.
func (t MutationType) HasConflictKey() bool {
	switch t {
	case TypeAttendance, TypeQuickGrade, TypeHomework, TypePeriodLog:
		return true
	}
	return false
}

// Priority is an advisory ordering hint for the drain, not a hard
// guarantee across drain cycles.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Item is one pending local mutation.
//
// Items are created by caller actions, mutated only by the sync engine
// (retry metadata, synced marker), and deleted by the retention sweep.
// An item with SyncedAt set is immutable.
type Item struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Type     MutationType    `json:"type"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload"`

	// LocalID links message sends to their optimistic cache record so the
	// engine can swap in the server-issued id after delivery.
	LocalID string `json:"local_id,omitempty"`

	RetryCount int        `json:"retry_count"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

// Validate checks field values before the item is persisted.
func (it *Item) Validate() error {
	if it.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if !it.Type.Valid() {
		return fmt.Errorf("unknown mutation type %q", it.Type)
	}
	if !it.Priority.Valid() {
		return fmt.Errorf("unknown priority %q", it.Priority)
	}
	if len(it.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if !json.Valid(it.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}
