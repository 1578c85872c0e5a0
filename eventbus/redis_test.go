package eventbus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jarosser06/ratio-sub000/eventbus"
)

func newTestRedisBus(t *testing.T) (*eventbus.RedisBus, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	bus := eventbus.NewRedisBus(client)
	t.Cleanup(func() { _ = bus.Close() })
	return bus, s
}

func TestRedisBusPublishDeliversImmediately(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	received := make(chan eventbus.Event, 1)
	_, err := bus.Subscribe("ratio::tool_response", func(ctx context.Context, event eventbus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), eventbus.Event{
		Type: "ratio::tool_response",
		Body: map[string]any{"execution_id": "abc"},
	}, 0))

	select {
	case event := <-received:
		require.Equal(t, "abc", event.Body["execution_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRedisBusSubscriptionCloseStopsDelivery(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	var mu sync.Mutex
	count := 0
	sub, err := bus.Subscribe("ratio::execute_composite_tool", func(ctx context.Context, event eventbus.Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, bus.Publish(context.Background(), eventbus.Event{Type: "ratio::execute_composite_tool"}, 0))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, count)
}

func TestRedisBusDelayedPublishFiresAfterSweep(t *testing.T) {
	bus, _ := newTestRedisBus(t)

	received := make(chan eventbus.Event, 1)
	_, err := bus.Subscribe("ratio::parallel_completion_reconciliation", func(ctx context.Context, event eventbus.Event) error {
		received <- event
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), eventbus.Event{
		Type: "ratio::parallel_completion_reconciliation",
		Body: map[string]any{"group_id": "g1"},
	}, 10*time.Millisecond))

	select {
	case event := <-received:
		require.Equal(t, "g1", event.Body["group_id"])
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delayed delivery")
	}
}
