// Package eventbus defines the event bus collaborator described in
// spec.md §6.2: an opaque publish/subscribe transport for
// {event_type, body} events with optional publish delay and at-least-once
// delivery. Implementations are grounded on the teacher's in-memory
// hooks.Bus fan-out pattern and, for cross-process delivery, Redis pub/sub
// channels with a sorted set holding delayed events until they are due.
package eventbus

import (
	"context"
	"errors"
	"time"
)

// Event is an opaque event as described in spec.md §6.2.
type Event struct {
	Type string         `json:"event_type"`
	Body map[string]any `json:"body"`
}

// Handler processes a single delivered event. Neither InmemBus nor RedisBus
// retries delivery: an error returned by a handler is discarded.
type Handler func(ctx context.Context, event Event) error

// Subscription represents an active registration on a Bus.
type Subscription interface {
	// Close removes the handler from the bus. Idempotent.
	Close() error
}

// Bus publishes and subscribes to opaque events. Publish may specify a
// non-negative delay; delivery is at-least-once (spec.md §6.2).
type Bus interface {
	// Publish delivers event to every handler subscribed to event.Type,
	// after waiting delay (zero for immediate delivery).
	Publish(ctx context.Context, event Event, delay time.Duration) error
	// Subscribe registers handler for all events of the given type.
	Subscribe(eventType string, handler Handler) (Subscription, error)
}

// ErrNilHandler is returned by Subscribe when handler is nil.
var ErrNilHandler = errors.New("event handler is required")
