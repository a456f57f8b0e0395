package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/diaflow/diaflow/internal/infrastructure/logger"
	"github.com/diaflow/diaflow/pkg/models"
)

const redisLastEventPrefix = "diaflow:lastevent:"

// RedisBus is a Bus backed by Redis pub/sub for deployments where
// transports live in a different process than the engine. The last-event
// cache is stored as a TTL'd key so reconnect replay works across
// processes too.
type RedisBus struct {
	client *redis.Client
	ttl    time.Duration
	logger *logger.Logger

	mu      sync.Mutex
	pubsubs map[string]*redis.PubSub
	cancels map[string]context.CancelFunc
}

// RedisBusOption configures a RedisBus.
type RedisBusOption func(*RedisBus)

// WithRedisLastEventTTL overrides the last-event key TTL.
func WithRedisLastEventTTL(ttl time.Duration) RedisBusOption {
	return func(b *RedisBus) {
		b.ttl = ttl
	}
}

// WithRedisBusLogger sets the bus logger.
func WithRedisBusLogger(l *logger.Logger) RedisBusOption {
	return func(b *RedisBus) {
		b.logger = l
	}
}

// NewRedisBus creates a Redis-backed event bus. The caller owns the
// client's lifecycle.
func NewRedisBus(client *redis.Client, opts ...RedisBusOption) *RedisBus {
	b := &RedisBus{
		client:  client,
		ttl:     DefaultLastEventTTL,
		logger:  logger.Default(),
		pubsubs: make(map[string]*redis.PubSub),
		cancels: make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish publishes the event on the Redis channel and refreshes the
// channel's last-event key.
func (b *RedisBus) Publish(ctx context.Context, channel string, event *models.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Set(ctx, redisLastEventPrefix+channel, payload, b.ttl).Err(); err != nil {
		b.logger.WarnContext(ctx, "failed to cache last event", "channel", channel, "error", err)
	}

	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eventsPublished.WithLabelValues(string(event.Type)).Inc()
	return nil
}

// Subscribe opens a Redis subscription and pumps decoded events into the
// handler until unsubscribed.
func (b *RedisBus) Subscribe(channel string, h Handler) (string, error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for subscription confirmation so publishes after Subscribe
	// returns are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return "", fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	id := uuid.NewString()

	b.mu.Lock()
	b.pubsubs[id] = pubsub
	b.cancels[id] = cancel
	b.mu.Unlock()

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("invalid event payload", "channel", channel, "error", err)
					continue
				}
				h(&event)
			}
		}
	}()

	return id, nil
}

// Unsubscribe closes the subscription's pubsub connection.
func (b *RedisBus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	pubsub, ok := b.pubsubs[subscriptionID]
	cancel := b.cancels[subscriptionID]
	delete(b.pubsubs, subscriptionID)
	delete(b.cancels, subscriptionID)
	b.mu.Unlock()

	if !ok {
		return nil
	}

	cancel()
	return pubsub.Close()
}

// GetLastEvent reads the channel's cached event from Redis.
func (b *RedisBus) GetLastEvent(channel string) *models.Event {
	payload, err := b.client.Get(context.Background(), redisLastEventPrefix+channel).Bytes()
	if err != nil {
		return nil
	}

	var event models.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil
	}
	return &event
}

// Close tears down every subscription. The Redis client itself is owned
// by the caller and stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	pubsubs := b.pubsubs
	cancels := b.cancels
	b.pubsubs = make(map[string]*redis.PubSub)
	b.cancels = make(map[string]context.CancelFunc)
	b.mu.Unlock()

	for id, pubsub := range pubsubs {
		cancels[id]()
		_ = pubsub.Close()
	}
	return nil
}
