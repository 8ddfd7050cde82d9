package remote

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/satchelhq/satchel/internal/cache"
	"github.com/satchelhq/satchel/internal/queue"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// recordedRequest captures what the server saw for assertions
type recordedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

func newTestClient(t *testing.T, handler http.HandlerFunc, token TokenFunc) (*Client, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, token, discardLogger())
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}
	return c, srv
}

// TestNewClient_Validation tests constructor checks
func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient("", nil, discardLogger()); err == nil {
		t.Error("NewClient() with empty base URL succeeded, want error")
	}
}

// TestDispatch_InsertType tests POST semantics for non-conflict-keyed types
func TestDispatch_InsertType(t *testing.T) {
	reqs := make(chan recordedRequest, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- recordedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "m-42"})
	}, nil)

	item := &queue.Item{
		ID:       "q-1",
		TenantID: "school-a",
		Type:     queue.TypeMessage,
		Payload:  json.RawMessage(`{"body":"hi"}`),
	}

	ack, err := c.Dispatch(context.Background(), item)
	if err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}
	if ack.ServerID != "m-42" {
		t.Errorf("ServerID = %q, want m-42", ack.ServerID)
	}

	req := <-reqs
	if req.method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.method)
	}
	if req.path != "/api/v1/messages" {
		t.Errorf("path = %s, want /api/v1/messages", req.path)
	}
	if got := req.header.Get("Idempotency-Key"); got != "q-1" {
		t.Errorf("Idempotency-Key = %q, want q-1", got)
	}
	if got := req.header.Get("X-Tenant-ID"); got != "school-a" {
		t.Errorf("X-Tenant-ID = %q, want school-a", got)
	}
	if string(req.body) != `{"body":"hi"}` {
		t.Errorf("body = %s, want the payload", req.body)
	}
}

// TestDispatch_ConflictKeyedType tests PUT semantics for upsert types
func TestDispatch_ConflictKeyedType(t *testing.T) {
	reqs := make(chan recordedRequest, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reqs <- recordedRequest{method: r.Method, path: r.URL.Path}
		json.NewEncoder(w).Encode(map[string]string{"id": "a-7"})
	}, nil)

	item := &queue.Item{
		ID:       "q-2",
		TenantID: "school-a",
		Type:     queue.TypeAttendance,
		Payload:  json.RawMessage(`{"student":"s-1"}`),
	}

	if _, err := c.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}

	req := <-reqs
	if req.method != http.MethodPut {
		t.Errorf("method = %s, want PUT for conflict-keyed type", req.method)
	}
	if req.path != "/api/v1/attendance" {
		t.Errorf("path = %s, want /api/v1/attendance", req.path)
	}
}

// TestDispatch_ServerError tests that non-2xx responses surface as errors
func TestDispatch_ServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "validation failed", http.StatusUnprocessableEntity)
	}, nil)

	item := &queue.Item{
		ID:       "q-3",
		TenantID: "school-a",
		Type:     queue.TypeExpense,
		Payload:  json.RawMessage(`{}`),
	}

	if _, err := c.Dispatch(context.Background(), item); err == nil {
		t.Error("Dispatch() succeeded on 422, want error")
	}
}

// TestDispatch_BearerToken tests the authorization header
func TestDispatch_BearerToken(t *testing.T) {
	reqs := make(chan recordedRequest, 1)
	token := func(ctx context.Context) (string, error) { return "tok-123", nil }

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reqs <- recordedRequest{header: r.Header.Clone()}
		json.NewEncoder(w).Encode(map[string]string{"id": "x-1"})
	}, token)

	item := &queue.Item{
		ID:       "q-4",
		TenantID: "school-a",
		Type:     queue.TypePayment,
		Payload:  json.RawMessage(`{}`),
	}

	if _, err := c.Dispatch(context.Background(), item); err != nil {
		t.Fatalf("Dispatch() failed: %v", err)
	}

	req := <-reqs
	if got := req.header.Get("Authorization"); got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want Bearer tok-123", got)
	}
}

// TestFetchSnapshot_Success tests a snapshot read
func TestFetchSnapshot_Success(t *testing.T) {
	reqs := make(chan recordedRequest, 1)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		reqs <- recordedRequest{method: r.Method, path: r.URL.Path}
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": "r-1", "data": map[string]string{"name": "Amina"}},
			{"id": "r-2", "data": map[string]string{"name": "Kwame"}},
		})
	}, nil)

	records, err := c.FetchSnapshot(context.Background(), "school-a", cache.EntityRosterMember)
	if err != nil {
		t.Fatalf("FetchSnapshot() failed: %v", err)
	}

	req := <-reqs
	if req.method != http.MethodGet {
		t.Errorf("method = %s, want GET", req.method)
	}
	if req.path != "/api/v1/tenants/school-a/snapshots/roster_member" {
		t.Errorf("path = %s", req.path)
	}

	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].ID != "r-1" || records[0].TenantID != "school-a" || records[0].EntityType != cache.EntityRosterMember {
		t.Errorf("records[0] = %+v, want scoped r-1", records[0])
	}
}

// TestFetchSnapshot_UnknownType tests entity type validation
func TestFetchSnapshot_UnknownType(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server reached despite invalid entity type")
	}, nil)

	if _, err := c.FetchSnapshot(context.Background(), "school-a", cache.EntityType("bogus")); err == nil {
		t.Error("FetchSnapshot() with unknown type succeeded, want error")
	}
}

// TestFetchSnapshot_ServerError tests the non-200 path
func TestFetchSnapshot_ServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tenant suspended", http.StatusForbidden)
	}, nil)

	if _, err := c.FetchSnapshot(context.Background(), "school-a", cache.EntitySubject); err == nil {
		t.Error("FetchSnapshot() succeeded on 403, want error")
	}
}
