package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diaflow/diaflow/pkg/models"
)

func testEvent(seq int64) *models.Event {
	return &models.Event{
		Type:        models.EventTypeNodeComplete,
		ExecutionID: "exec-1",
		Sequence:    seq,
		Timestamp:   time.Now().UTC(),
		Data:        map[string]any{"n": seq},
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan *models.Event, 1)
	_, err := bus.Subscribe("execution:exec-1", func(ev *models.Event) {
		received <- ev
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "execution:exec-1", testEvent(1)))

	select {
	case ev := <-received:
		assert.Equal(t, int64(1), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryBus_PublishNoSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	// Publishing into the void must not error; the event is still cached.
	require.NoError(t, bus.Publish(context.Background(), "execution:ghost", testEvent(7)))

	last := bus.GetLastEvent("execution:ghost")
	require.NotNil(t, last)
	assert.Equal(t, int64(7), last.Sequence)
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	subID, err := bus.Subscribe("ch", func(ev *models.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "ch", testEvent(1)))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, bus.Unsubscribe(subID))
	require.NoError(t, bus.Publish(context.Background(), "ch", testEvent(2)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestMemoryBus_LastEventTTL(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus(WithLastEventTTL(50 * time.Millisecond))
	defer bus.Close()

	require.NoError(t, bus.Publish(context.Background(), "ch", testEvent(3)))

	require.NotNil(t, bus.GetLastEvent("ch"))

	time.Sleep(80 * time.Millisecond)
	assert.Nil(t, bus.GetLastEvent("ch"), "cached event should expire after TTL")
}

// S6: a reconnecting subscriber can replay the most recent event with its
// original sequence number.
func TestMemoryBus_ReconnectReplay(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	subA, err := bus.Subscribe("execution:exec-9", func(ev *models.Event) {})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "execution:exec-9", testEvent(41)))
	require.NoError(t, bus.Publish(context.Background(), "execution:exec-9", testEvent(42)))

	require.NoError(t, bus.Unsubscribe(subA))

	// Subscriber B attaches later and replays the channel's last event.
	_, err = bus.Subscribe("execution:exec-9", func(ev *models.Event) {})
	require.NoError(t, err)

	last := bus.GetLastEvent("execution:exec-9")
	require.NotNil(t, last)
	assert.Equal(t, int64(42), last.Sequence)
}

func TestMemoryBus_HandlerPanicIsolated(t *testing.T) {
	t.Parallel()

	bus := NewMemoryBus()
	defer bus.Close()

	received := make(chan struct{}, 1)

	_, err := bus.Subscribe("ch", func(ev *models.Event) {
		panic("bad handler")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe("ch", func(ev *models.Event) {
		received <- struct{}{}
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "ch", testEvent(1)))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("healthy subscriber starved by panicking one")
	}
}

func TestRouterBus_FansOutToRouter(t *testing.T) {
	t.Parallel()

	router := NewRouter()
	defer router.Close()

	bus := NewRouterBus(NewMemoryBus(), router)
	defer bus.Close()

	received := make(chan *models.Event, 1)
	router.RegisterConnection("conn-1", func(ctx context.Context, ev *models.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, router.SubscribeToExecution("conn-1", "exec-1"))

	require.NoError(t, bus.Publish(context.Background(), models.ExecutionChannel("exec-1"), testEvent(5)))

	select {
	case ev := <-received:
		assert.Equal(t, int64(5), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("router connection did not receive the event")
	}
}
