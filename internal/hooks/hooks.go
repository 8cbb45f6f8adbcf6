// Package hooks delivers stream lifecycle events to registered listeners.
package hooks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	StreamCreated EventType = "stream.created"
	StreamDeleted EventType = "stream.deleted"
)

// Event describes one lifecycle occurrence. ID is unique per event so
// listeners that fan out to external systems can dedupe.
type Event struct {
	ID          string
	Type        EventType
	Path        string
	ContentType string
	Timestamp   time.Time
}

// Listener receives lifecycle events. Invocations happen after the mutation
// is durable; a returned error fails the originating request.
type Listener interface {
	HandleStreamEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) HandleStreamEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Registry fans lifecycle events out to listeners in registration order.
// The zero value is unusable; use NewRegistry.
type Registry struct {
	mu        sync.RWMutex
	listeners []Listener
	logger    *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{logger: logger}
}

// Register adds a listener. Safe for concurrent use.
func (r *Registry) Register(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Emit delivers the event to every listener and waits for each. The first
// listener error aborts delivery and is returned to the caller.
func (r *Registry) Emit(ctx context.Context, typ EventType, path, contentType string) error {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	if len(listeners) == 0 {
		return nil
	}

	ev := Event{
		ID:          uuid.NewString(),
		Type:        typ,
		Path:        path,
		ContentType: contentType,
		Timestamp:   time.Now(),
	}
	for _, l := range listeners {
		if err := l.HandleStreamEvent(ctx, ev); err != nil {
			r.logger.Error("lifecycle listener failed",
				zap.String("event_id", ev.ID),
				zap.String("event_type", string(typ)),
				zap.String("stream", path),
				zap.Error(err))
			return fmt.Errorf("lifecycle hook %s: %w", typ, err)
		}
	}
	return nil
}
