// Package events provides the in-process pub/sub bus and the message
// router that fans execution events out to transport connections.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diaflow/diaflow/internal/infrastructure/logger"
	"github.com/diaflow/diaflow/pkg/models"
)

// DefaultLastEventTTL is how long the per-channel last-event cache keeps
// an entry for reconnect replay.
const DefaultLastEventTTL = 60 * time.Second

// Handler consumes events delivered on a subscribed channel.
type Handler func(event *models.Event)

// Bus is the in-process pub/sub contract. Channels are opaque strings;
// the convention "execution:<id>" routes to subscribers watching one
// execution.
type Bus interface {
	// Publish delivers the event to all live subscribers asynchronously
	// and refreshes the channel's last-event cache.
	Publish(ctx context.Context, channel string, event *models.Event) error

	// Subscribe registers a handler on a channel and returns the
	// subscription ID used to unsubscribe.
	Subscribe(channel string, h Handler) (string, error)

	// Unsubscribe removes a subscription.
	Unsubscribe(subscriptionID string) error

	// GetLastEvent returns the most recent event published on a channel,
	// or nil when none was published within the cache TTL.
	GetLastEvent(channel string) *models.Event

	// Close tears down all subscriptions and cached state.
	Close() error
}

type cachedEvent struct {
	event *models.Event
	at    time.Time
}

// MemoryBus is the single-process Bus implementation.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Handler
	subChannel  map[string]string
	lastEvents  map[string]cachedEvent
	ttl         time.Duration
	logger      *logger.Logger
}

// MemoryBusOption configures a MemoryBus.
type MemoryBusOption func(*MemoryBus)

// WithLastEventTTL overrides the last-event cache TTL.
func WithLastEventTTL(ttl time.Duration) MemoryBusOption {
	return func(b *MemoryBus) {
		b.ttl = ttl
	}
}

// WithBusLogger sets the bus logger.
func WithBusLogger(l *logger.Logger) MemoryBusOption {
	return func(b *MemoryBus) {
		b.logger = l
	}
}

// NewMemoryBus creates an in-memory event bus.
func NewMemoryBus(opts ...MemoryBusOption) *MemoryBus {
	b := &MemoryBus{
		subscribers: make(map[string]map[string]Handler),
		subChannel:  make(map[string]string),
		lastEvents:  make(map[string]cachedEvent),
		ttl:         DefaultLastEventTTL,
		logger:      logger.Default(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish delivers the event to every subscriber of the channel. Each
// handler runs on its own goroutine so a slow subscriber never blocks the
// publisher; panics are recovered and logged.
func (b *MemoryBus) Publish(ctx context.Context, channel string, event *models.Event) error {
	b.mu.Lock()
	b.lastEvents[channel] = cachedEvent{event: event, at: time.Now()}
	handlers := make([]Handler, 0, len(b.subscribers[channel]))
	ids := make([]string, 0, len(b.subscribers[channel]))
	for id, h := range b.subscribers[channel] {
		handlers = append(handlers, h)
		ids = append(ids, id)
	}
	b.mu.Unlock()

	eventsPublished.WithLabelValues(string(event.Type)).Inc()

	for i, h := range handlers {
		go b.deliver(ctx, ids[i], h, event)
	}

	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, subID string, h Handler, event *models.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "event handler panicked",
				"subscription_id", subID,
				"event_type", string(event.Type),
				"panic", r,
			)
		}
	}()

	h(event)
}

// Subscribe registers a handler on a channel.
func (b *MemoryBus) Subscribe(channel string, h Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	if b.subscribers[channel] == nil {
		b.subscribers[channel] = make(map[string]Handler)
	}
	b.subscribers[channel][id] = h
	b.subChannel[id] = channel

	return id, nil
}

// Unsubscribe removes a subscription. Unknown IDs are a no-op.
func (b *MemoryBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	channel, ok := b.subChannel[subscriptionID]
	if !ok {
		return nil
	}

	delete(b.subscribers[channel], subscriptionID)
	if len(b.subscribers[channel]) == 0 {
		delete(b.subscribers, channel)
	}
	delete(b.subChannel, subscriptionID)

	return nil
}

// GetLastEvent returns the channel's cached event while it is within TTL.
func (b *MemoryBus) GetLastEvent(channel string) *models.Event {
	b.mu.RLock()
	cached, ok := b.lastEvents[channel]
	b.mu.RUnlock()

	if !ok || time.Since(cached.at) >= b.ttl {
		return nil
	}
	return cached.event
}

// Close clears all subscriptions and the event cache.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = make(map[string]map[string]Handler)
	b.subChannel = make(map[string]string)
	b.lastEvents = make(map[string]cachedEvent)
	return nil
}

// RouterBus decorates a Bus so events on execution channels additionally
// fan out through the message router to transport connections.
type RouterBus struct {
	Bus
	router *Router
}

// NewRouterBus wires a bus to a router.
func NewRouterBus(inner Bus, router *Router) *RouterBus {
	return &RouterBus{Bus: inner, router: router}
}

// Publish publishes to local subscribers, then broadcasts execution
// events to the router's connections.
func (b *RouterBus) Publish(ctx context.Context, channel string, event *models.Event) error {
	if err := b.Bus.Publish(ctx, channel, event); err != nil {
		return err
	}

	if event.ExecutionID != "" && channel == models.ExecutionChannel(event.ExecutionID) {
		b.router.BroadcastToExecution(ctx, event.ExecutionID, event)
	}

	return nil
}
