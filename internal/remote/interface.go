// Package remote defines the narrow interface to the remote system of
// record and provides its HTTP implementation.
//
// The remote is reachable only while online. Dispatch failures are not
// classified: transient and permanent errors alike are surfaced to the
// sync engine, which retries up to its ceiling.
package remote

import (
	"context"
	"errors"

	"github.com/satchelhq/satchel/internal/cache"
	"github.com/satchelhq/satchel/internal/queue"
)

// ErrUnknownMutation is returned when a queue item carries a type with no
// registered handler. This indicates a version mismatch between the queue
// contents and the dispatch table, not a remote failure.
var ErrUnknownMutation = errors.New("no handler registered for mutation type")

// Ack is the remote acknowledgement of a delivered mutation.
type Ack struct {
	// ServerID is the canonical identifier the server assigned (or already
	// held, for conflict-keyed upserts).
	ServerID string
}

// Gateway is the engine's view of the remote system of record.
//
// Dispatch delivers a single pending mutation. Conflict-keyed types use
// upsert semantics so redelivery of the same logical mutation is
// idempotent; the rest use plain insert. Implementations must honor ctx.
//
// FetchSnapshot reads the full denormalized snapshot for one tenant and
// entity type, used by the prefetch scheduler.
type Gateway interface {
	Dispatch(ctx context.Context, item *queue.Item) (Ack, error)
	FetchSnapshot(ctx context.Context, tenant string, typ cache.EntityType) ([]cache.Record, error)
}
