package cache

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/satchelhq/satchel/internal/store"
)

// setupManager opens a fresh database and returns a manager over it
func setupManager(t *testing.T) *Manager {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), 0)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	return New(db)
}

func rec(id, body string) Record {
	return Record{ID: id, Data: json.RawMessage(`{"name":"` + body + `"}`)}
}

// TestWriteReadSnapshot_RoundTrip tests basic snapshot storage
func TestWriteReadSnapshot_RoundTrip(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	records := []Record{rec("r-1", "Amina"), rec("r-2", "Kwame")}
	if err := m.WriteSnapshot(ctx, "school-a", EntityRosterMember, records); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	got, err := m.ReadSnapshot(ctx, "school-a", EntityRosterMember, nil)
	if err != nil {
		t.Fatalf("ReadSnapshot() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ID != "r-1" || got[1].ID != "r-2" {
		t.Errorf("ids = %q, %q, want r-1, r-2", got[0].ID, got[1].ID)
	}
	if got[0].Pending {
		t.Error("snapshot record flagged pending")
	}
	if got[0].CachedAt.IsZero() {
		t.Error("CachedAt not recorded")
	}
}

// TestWriteSnapshot_WholesaleReplace tests that a refresh drops departed records
func TestWriteSnapshot_WholesaleReplace(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	first := []Record{rec("r-1", "Amina"), rec("r-2", "Kwame")}
	if err := m.WriteSnapshot(ctx, "school-a", EntityRosterMember, first); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	second := []Record{rec("r-2", "Kwame Updated"), rec("r-3", "Chidi")}
	if err := m.WriteSnapshot(ctx, "school-a", EntityRosterMember, second); err != nil {
		t.Fatalf("Second WriteSnapshot() failed: %v", err)
	}

	got, err := m.ReadSnapshot(ctx, "school-a", EntityRosterMember, nil)
	if err != nil {
		t.Fatalf("ReadSnapshot() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ID != "r-2" || got[1].ID != "r-3" {
		t.Errorf("ids = %q, %q, want r-2, r-3", got[0].ID, got[1].ID)
	}
	if string(got[0].Data) != `{"name":"Kwame Updated"}` {
		t.Errorf("r-2 data = %s, want updated copy", got[0].Data)
	}
}

// TestWriteSnapshot_PreservesPending tests that optimistic rows survive a refresh
func TestWriteSnapshot_PreservesPending(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if err := m.PutPending(ctx, "school-a", EntityMessage, "local-1", json.RawMessage(`{"body":"hi"}`)); err != nil {
		t.Fatalf("PutPending() failed: %v", err)
	}
	if err := m.WriteSnapshot(ctx, "school-a", EntityMessage, []Record{rec("m-1", "server copy")}); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	got, err := m.ReadSnapshot(ctx, "school-a", EntityMessage, nil)
	if err != nil {
		t.Fatalf("ReadSnapshot() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want pending row plus snapshot row", len(got))
	}

	var sawPending bool
	for _, r := range got {
		if r.ID == "local-1" && r.Pending && r.LocalID == "local-1" {
			sawPending = true
		}
	}
	if !sawPending {
		t.Error("pending optimistic row did not survive the snapshot replace")
	}
}

// TestReadSnapshot_TenantIsolation tests that reads never cross tenants
func TestReadSnapshot_TenantIsolation(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if err := m.WriteSnapshot(ctx, "school-a", EntitySubject, []Record{rec("s-1", "Maths")}); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}
	if err := m.WriteSnapshot(ctx, "school-b", EntitySubject, []Record{rec("s-9", "Physics")}); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	got, err := m.ReadSnapshot(ctx, "school-a", EntitySubject, nil)
	if err != nil {
		t.Fatalf("ReadSnapshot() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s-1" {
		t.Fatalf("school-a read = %d records, want only s-1", len(got))
	}
	for _, r := range got {
		if r.TenantID != "school-a" {
			t.Errorf("record %s has tenant %q, want school-a", r.ID, r.TenantID)
		}
	}
}

// TestReadSnapshot_Filter tests id and limit filtering
func TestReadSnapshot_Filter(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	records := []Record{rec("r-1", "a"), rec("r-2", "b"), rec("r-3", "c")}
	if err := m.WriteSnapshot(ctx, "school-a", EntityRosterMember, records); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	got, err := m.ReadSnapshot(ctx, "school-a", EntityRosterMember, &Filter{IDs: []string{"r-1", "r-3"}})
	if err != nil {
		t.Fatalf("ReadSnapshot() with IDs failed: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r-1" || got[1].ID != "r-3" {
		t.Errorf("filtered ids wrong: got %d records", len(got))
	}

	got, err = m.ReadSnapshot(ctx, "school-a", EntityRosterMember, &Filter{Limit: 2})
	if err != nil {
		t.Fatalf("ReadSnapshot() with Limit failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("limited read = %d records, want 2", len(got))
	}
}

// TestWriteSnapshot_Validation tests rejected writes
func TestWriteSnapshot_Validation(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if err := m.WriteSnapshot(ctx, "", EntitySubject, nil); err == nil {
		t.Error("WriteSnapshot() with empty tenant succeeded, want error")
	}
	if err := m.WriteSnapshot(ctx, "school-a", EntityType("bogus"), nil); err == nil {
		t.Error("WriteSnapshot() with unknown type succeeded, want error")
	}
	if err := m.WriteSnapshot(ctx, "school-a", EntitySubject, []Record{{Data: json.RawMessage(`{}`)}}); err == nil {
		t.Error("WriteSnapshot() with id-less record succeeded, want error")
	}
}

// TestReconcile_SwapsIdentity tests the local-to-server id swap
func TestReconcile_SwapsIdentity(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if err := m.PutPending(ctx, "school-a", EntityMessage, "local-1", json.RawMessage(`{"body":"hi"}`)); err != nil {
		t.Fatalf("PutPending() failed: %v", err)
	}
	if err := m.Reconcile(ctx, "school-a", EntityMessage, "local-1", "m-42"); err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}

	got, err := m.ReadSnapshot(ctx, "school-a", EntityMessage, nil)
	if err != nil {
		t.Fatalf("ReadSnapshot() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1", len(got))
	}
	if got[0].ID != "m-42" {
		t.Errorf("ID = %q, want m-42", got[0].ID)
	}
	if got[0].Pending {
		t.Error("record still flagged pending after reconcile")
	}
	if got[0].LocalID != "" {
		t.Errorf("LocalID = %q after reconcile, want empty", got[0].LocalID)
	}
}

// TestReconcile_DropsDuplicate tests reconciliation after a refresh already
// delivered the canonical record
func TestReconcile_DropsDuplicate(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	if err := m.PutPending(ctx, "school-a", EntityMessage, "local-1", json.RawMessage(`{"body":"hi"}`)); err != nil {
		t.Fatalf("PutPending() failed: %v", err)
	}
	if err := m.WriteSnapshot(ctx, "school-a", EntityMessage, []Record{rec("m-42", "canonical")}); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}
	if err := m.Reconcile(ctx, "school-a", EntityMessage, "local-1", "m-42"); err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}

	got, err := m.ReadSnapshot(ctx, "school-a", EntityMessage, nil)
	if err != nil {
		t.Fatalf("ReadSnapshot() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(got) = %d, want 1 (no duplicate)", len(got))
	}
	if got[0].ID != "m-42" || string(got[0].Data) != `{"name":"canonical"}` {
		t.Errorf("surviving record = %s/%s, want canonical m-42", got[0].ID, got[0].Data)
	}
}

// TestLastRefresh_TouchRefresh tests the TTL gate bookkeeping
func TestLastRefresh_TouchRefresh(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	_, ok, err := m.LastRefresh(ctx, "school-a", EntitySubject)
	if err != nil {
		t.Fatalf("LastRefresh() failed: %v", err)
	}
	if ok {
		t.Error("LastRefresh() ok = true before any refresh")
	}

	when := time.Now().UTC().Truncate(time.Microsecond)
	if err := m.TouchRefresh(ctx, "school-a", EntitySubject, when); err != nil {
		t.Fatalf("TouchRefresh() failed: %v", err)
	}

	got, ok, err := m.LastRefresh(ctx, "school-a", EntitySubject)
	if err != nil {
		t.Fatalf("LastRefresh() failed: %v", err)
	}
	if !ok {
		t.Fatal("LastRefresh() ok = false after refresh")
	}
	if !got.Equal(when) {
		t.Errorf("refreshed = %v, want %v", got, when)
	}

	// Second touch overwrites.
	later := when.Add(time.Hour)
	if err := m.TouchRefresh(ctx, "school-a", EntitySubject, later); err != nil {
		t.Fatalf("Second TouchRefresh() failed: %v", err)
	}
	got, _, err = m.LastRefresh(ctx, "school-a", EntitySubject)
	if err != nil {
		t.Fatalf("LastRefresh() failed: %v", err)
	}
	if !got.Equal(later) {
		t.Errorf("refreshed = %v, want %v", got, later)
	}
}
