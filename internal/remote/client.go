package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/satchelhq/satchel/internal/cache"
	"github.com/satchelhq/satchel/internal/queue"
)

// TokenFunc supplies the bearer token for a request. The engine does not
// manage credentials; the host application does.
type TokenFunc func(ctx context.Context) (string, error)

// routes maps each mutation type to its write endpoint. Conflict-keyed
// types PUT (upsert); the rest POST (insert).
var routes = map[queue.MutationType]string{
	queue.TypeAttendance:    "/api/v1/attendance",
	queue.TypePeriodLog:     "/api/v1/period-logs",
	queue.TypeBehaviorNote:  "/api/v1/behavior-notes",
	queue.TypeHomework:      "/api/v1/homework",
	queue.TypeQuickGrade:    "/api/v1/grades",
	queue.TypeMessage:       "/api/v1/messages",
	queue.TypeSupportTicket: "/api/v1/support-tickets",
	queue.TypeExpense:       "/api/v1/expenses",
	queue.TypePayment:       "/api/v1/payments",
}

// Client is the HTTP implementation of Gateway.
type Client struct {
	baseURL  string
	httpc    *http.Client
	token    TokenFunc
	registry *Registry
	logger   *log.Logger
}

// NewClient creates a Gateway over the institution API at baseURL.
//
// token may be nil for unauthenticated deployments. If logger is nil, a
// default logger writing to stderr is used.
func NewClient(baseURL string, token TokenFunc, logger *log.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		token:   token,
		logger:  logger,
	}

	reg := NewRegistry()
	for typ, path := range routes {
		typ, path := typ, path
		if err := reg.Register(typ, func(ctx context.Context, item *queue.Item) (Ack, error) {
			return c.write(ctx, path, item)
		}); err != nil {
			return nil, err
		}
	}
	if err := reg.Complete(); err != nil {
		return nil, err
	}
	c.registry = reg

	return c, nil
}

// Dispatch implements Gateway.Dispatch.
func (c *Client) Dispatch(ctx context.Context, item *queue.Item) (Ack, error) {
	return c.registry.Dispatch(ctx, item)
}

// ackResponse is the server's reply to a write.
type ackResponse struct {
	ID string `json:"id"`
}

// write delivers one mutation. Conflict-keyed types use PUT so the server
// upserts on the natural key; others use POST. Every request carries the
// queue item id as an idempotency key so a cooperating server can dedupe
// network-level redelivery of insert types too.
func (c *Client) write(ctx context.Context, path string, item *queue.Item) (Ack, error) {
	method := http.MethodPost
	if item.Type.HasConflictKey() {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(item.Payload))
	if err != nil {
		return Ack{}, fmt.Errorf("failed to build %s request: %w", item.Type, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", item.ID)
	req.Header.Set("X-Tenant-ID", item.TenantID)
	if err := c.authorize(ctx, req); err != nil {
		return Ack{}, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("%s dispatch failed: %w", item.Type, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Ack{}, fmt.Errorf("failed to read %s response: %w", item.Type, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Ack{}, fmt.Errorf("%s dispatch rejected: %s: %s", item.Type, resp.Status, truncate(body, 200))
	}

	var ack ackResponse
	if err := json.Unmarshal(body, &ack); err != nil {
		return Ack{}, fmt.Errorf("failed to decode %s ack: %w", item.Type, err)
	}

	return Ack{ServerID: ack.ID}, nil
}

// snapshotRecord is one element of a snapshot read response.
type snapshotRecord struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// FetchSnapshot implements Gateway.FetchSnapshot.
func (c *Client) FetchSnapshot(ctx context.Context, tenant string, typ cache.EntityType) ([]cache.Record, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("unknown entity type %q", typ)
	}

	endpoint := fmt.Sprintf("%s/api/v1/tenants/%s/snapshots/%s",
		c.baseURL, url.PathEscape(tenant), url.PathEscape(string(typ)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	if err := c.authorize(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshot fetch %s/%s failed: %w", tenant, typ, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("snapshot fetch %s/%s rejected: %s: %s", tenant, typ, resp.Status, truncate(body, 200))
	}

	var wire []snapshotRecord
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s/%s: %w", tenant, typ, err)
	}

	records := make([]cache.Record, 0, len(wire))
	for _, w := range wire {
		records = append(records, cache.Record{
			TenantID:   tenant,
			EntityType: typ,
			ID:         w.ID,
			Data:       w.Data,
		})
	}

	return records, nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	if c.token == nil {
		return nil
	}
	tok, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
