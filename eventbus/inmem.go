package eventbus

import (
	"context"
	"sync"
	"time"
)

// InmemBus is an in-memory Bus for tests and single-process deployments.
// Grounded on the teacher's hooks.Bus: subscribers keyed by a subscription
// handle for O(1) removal, a snapshot-then-iterate publish loop so
// registrations during delivery don't race, synchronous fan-out. Unlike
// hooks.Bus, delivery continues past handler errors (at-least-once delivery
// across independent subscribers, not a single fail-fast pipeline), and
// subscriptions are scoped per event type.
type InmemBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[*inmemSubscription]Handler
}

type inmemSubscription struct {
	bus       *InmemBus
	eventType string
	once      sync.Once
}

var _ Bus = (*InmemBus)(nil)

// NewInmemBus constructs an empty InmemBus.
func NewInmemBus() *InmemBus {
	return &InmemBus{subscribers: make(map[string]map[*inmemSubscription]Handler)}
}

// Publish delivers event to every handler subscribed to event.Type. If delay
// is positive, delivery happens asynchronously after the delay elapses.
func (b *InmemBus) Publish(ctx context.Context, event Event, delay time.Duration) error {
	if delay <= 0 {
		b.deliver(ctx, event)
		return nil
	}
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			b.deliver(context.Background(), event)
		case <-ctx.Done():
		}
	}()
	return nil
}

func (b *InmemBus) deliver(ctx context.Context, event Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subscribers[event.Type]))
	for _, h := range b.subscribers[event.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		_ = h(ctx, event)
	}
}

// Subscribe registers handler for all events of the given type.
func (b *InmemBus) Subscribe(eventType string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	sub := &inmemSubscription{bus: b, eventType: eventType}
	b.mu.Lock()
	if b.subscribers[eventType] == nil {
		b.subscribers[eventType] = make(map[*inmemSubscription]Handler)
	}
	b.subscribers[eventType][sub] = handler
	b.mu.Unlock()
	return sub, nil
}

func (s *inmemSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers[s.eventType], s)
		s.bus.mu.Unlock()
	})
	return nil
}
