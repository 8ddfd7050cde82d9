package remote

import (
	"context"
	"fmt"

	"github.com/satchelhq/satchel/internal/queue"
)

// HandlerFunc delivers one mutation of a specific type to the remote.
type HandlerFunc func(ctx context.Context, item *queue.Item) (Ack, error)

// Registry routes queue items to per-type handlers. The mutation type set
// is closed, so a fully built registry covers every type; Complete checks
// that at construction time.
type Registry struct {
	handlers map[queue.MutationType]HandlerFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[queue.MutationType]HandlerFunc)}
}

// Register binds a handler to a mutation type. Registering the same type
// twice is a programming error.
func (r *Registry) Register(typ queue.MutationType, fn HandlerFunc) error {
	if !typ.Valid() {
		return fmt.Errorf("cannot register handler for unknown type %q", typ)
	}
	if fn == nil {
		return fmt.Errorf("handler for %s cannot be nil", typ)
	}
	if _, dup := r.handlers[typ]; dup {
		return fmt.Errorf("handler for %s already registered", typ)
	}
	r.handlers[typ] = fn
	return nil
}

// Complete verifies that every known mutation type has a handler.
func (r *Registry) Complete() error {
	for _, typ := range queue.MutationTypes {
		if _, ok := r.handlers[typ]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownMutation, typ)
		}
	}
	return nil
}

// Dispatch routes the item to its type's handler.
func (r *Registry) Dispatch(ctx context.Context, item *queue.Item) (Ack, error) {
	fn, ok := r.handlers[item.Type]
	if !ok {
		return Ack{}, fmt.Errorf("%w: %s", ErrUnknownMutation, item.Type)
	}
	return fn(ctx, item)
}
