package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "ratio:events:"
	delayedZSet   = "ratio:events:delayed"
)

// RedisBus is a Bus backed by Redis pub/sub for immediate delivery and a
// sorted set of pending envelopes for delayed delivery, polled by a
// background sweeper. Grounded on the teacher's RedisCache client
// construction (redis.ParseURL + pool/timeout tuning) and the mbflow
// event_listener.go pub/sub pattern, extended with the sorted-set delay
// queue this system's delayed tool_response/reconciliation events need
// (spec.md §6.2 "Publish MAY specify a non-negative delay").
type RedisBus struct {
	client *redis.Client

	mu       sync.RWMutex
	handlers map[string][]Handler
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
}

var _ Bus = (*RedisBus)(nil)

type envelope struct {
	Type string         `json:"event_type"`
	Body map[string]any `json:"body"`
}

// NewRedisBus constructs a RedisBus over client and starts its background
// subscriber and delayed-delivery sweeper goroutines. Call Close to stop
// both.
func NewRedisBus(client *redis.Client) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBus{
		client:   client,
		handlers: make(map[string][]Handler),
		cancel:   cancel,
	}
	go b.sweepDelayed(ctx)
	return b
}

// Close stops the background sweeper and any active subscription.
func (b *RedisBus) Close() error {
	b.cancel()
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

// Publish delivers event immediately, or schedules it for delivery after
// delay via the delayed sorted set.
func (b *RedisBus) Publish(ctx context.Context, event Event, delay time.Duration) error {
	data, err := json.Marshal(envelope{Type: event.Type, Body: event.Body})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if delay <= 0 {
		return b.client.Publish(ctx, channelPrefix+event.Type, data).Err()
	}

	deliverAt := time.Now().Add(delay)
	return b.client.ZAdd(ctx, delayedZSet, redis.Z{
		Score:  float64(deliverAt.UnixMilli()),
		Member: data,
	}).Err()
}

// Subscribe registers handler for all events of the given type, opening (or
// reusing) a Redis pub/sub channel for that type.
func (b *RedisBus) Subscribe(eventType string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	b.mu.Lock()
	_, alreadySubscribed := b.handlers[eventType]
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()

	if !alreadySubscribed {
		b.ensureChannelSubscription(eventType)
	}

	return &redisSubscription{bus: b, eventType: eventType, handler: handler}, nil
}

func (b *RedisBus) ensureChannelSubscription(eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ctx := context.Background()
	if b.pubsub == nil {
		b.pubsub = b.client.Subscribe(ctx, channelPrefix+eventType)
		go b.consume(b.pubsub)
		return
	}
	_ = b.pubsub.Subscribe(ctx, channelPrefix+eventType)
}

func (b *RedisBus) consume(pubsub *redis.PubSub) {
	for msg := range pubsub.Channel() {
		var env envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			continue
		}
		b.mu.RLock()
		handlers := append([]Handler(nil), b.handlers[env.Type]...)
		b.mu.RUnlock()
		for _, h := range handlers {
			_ = h(context.Background(), Event{Type: env.Type, Body: env.Body})
		}
	}
}

// sweepDelayed periodically moves due envelopes from the delayed sorted set
// onto their pub/sub channel.
func (b *RedisBus) sweepDelayed(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.fireDue(ctx)
		}
	}
}

func (b *RedisBus) fireDue(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	due, err := b.client.ZRangeByScore(ctx, delayedZSet, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return
	}
	for _, raw := range due {
		if removed, err := b.client.ZRem(ctx, delayedZSet, raw).Result(); err != nil || removed == 0 {
			continue // another bus instance already claimed this envelope
		}
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		b.client.Publish(ctx, channelPrefix+env.Type, raw)
	}
}

type redisSubscription struct {
	bus       *RedisBus
	eventType string
	handler   Handler
	once      sync.Once
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		handlers := s.bus.handlers[s.eventType]
		for i, h := range handlers {
			if fmt.Sprintf("%p", h) == fmt.Sprintf("%p", s.handler) {
				s.bus.handlers[s.eventType] = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
	})
	return nil
}
