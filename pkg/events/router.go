package events

import (
	"context"
	"sync"
	"time"

	"github.com/diaflow/diaflow/internal/infrastructure/logger"
	"github.com/diaflow/diaflow/pkg/models"
)

// Router defaults.
const (
	DefaultMaxQueueSize     = 100
	DefaultFailureThreshold = 3
	DefaultSendTimeout      = 5 * time.Second
)

// DeliveryFunc is the callback that pushes one event to a transport
// connection. It must return promptly or honor ctx cancellation; the
// router enforces a per-message timeout.
type DeliveryFunc func(ctx context.Context, event *models.Event) error

// ConnectionHealth tracks delivery quality for one connection.
type ConnectionHealth struct {
	LastSuccessfulSend time.Time     `json:"last_successful_send"`
	FailedAttempts     int           `json:"failed_attempts"`
	TotalMessages      int64         `json:"total_messages"`
	AvgLatency         time.Duration `json:"avg_latency"`
}

// Router fans execution events out to registered transport connections.
// Each connection has a bounded outbound queue; slow consumers are
// dropped, never allowed to block the engine.
type Router struct {
	mu            sync.RWMutex
	handlers      map[string]DeliveryFunc
	subscriptions map[models.ExecutionID]map[string]struct{}
	health        map[string]*ConnectionHealth

	queueMu    sync.Mutex
	queueDepth map[string]int

	maxQueueSize     int
	failureThreshold int
	sendTimeout      time.Duration
	logger           *logger.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxQueueSize caps each connection's outbound queue.
func WithMaxQueueSize(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.maxQueueSize = n
		}
	}
}

// WithFailureThreshold sets how many consecutive failures unregister a
// connection.
func WithFailureThreshold(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.failureThreshold = n
		}
	}
}

// WithSendTimeout bounds a single delivery attempt.
func WithSendTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithRouterLogger sets the router logger.
func WithRouterLogger(l *logger.Logger) RouterOption {
	return func(r *Router) {
		r.logger = l
	}
}

// NewRouter creates a message router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		handlers:         make(map[string]DeliveryFunc),
		subscriptions:    make(map[models.ExecutionID]map[string]struct{}),
		health:           make(map[string]*ConnectionHealth),
		queueDepth:       make(map[string]int),
		maxQueueSize:     DefaultMaxQueueSize,
		failureThreshold: DefaultFailureThreshold,
		sendTimeout:      DefaultSendTimeout,
		logger:           logger.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// RegisterConnection allocates delivery, health, and queue state for a
// transport connection.
func (r *Router) RegisterConnection(connectionID string, deliver DeliveryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[connectionID] = deliver
	r.health[connectionID] = &ConnectionHealth{LastSuccessfulSend: time.Now()}

	r.queueMu.Lock()
	r.queueDepth[connectionID] = 0
	r.queueMu.Unlock()
}

// UnregisterConnection tears a connection down and removes it from every
// execution subscription set.
func (r *Router) UnregisterConnection(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(connectionID)
}

func (r *Router) unregisterLocked(connectionID string) {
	delete(r.handlers, connectionID)
	delete(r.health, connectionID)

	r.queueMu.Lock()
	delete(r.queueDepth, connectionID)
	r.queueMu.Unlock()
	routerQueueDepth.DeleteLabelValues(connectionID)

	for execID, conns := range r.subscriptions {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.subscriptions, execID)
		}
	}
}

// SubscribeToExecution binds a connection to an execution's event stream.
func (r *Router) SubscribeToExecution(connectionID string, executionID models.ExecutionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[connectionID]; !ok {
		return models.ErrConnectionNotFound
	}

	if r.subscriptions[executionID] == nil {
		r.subscriptions[executionID] = make(map[string]struct{})
	}
	r.subscriptions[executionID][connectionID] = struct{}{}
	return nil
}

// UnsubscribeFromExecution removes the binding.
func (r *Router) UnsubscribeFromExecution(connectionID string, executionID models.ExecutionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conns, ok := r.subscriptions[executionID]; ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.subscriptions, executionID)
		}
	}
}

// RouteToConnection delivers one event to one connection. Returns false
// when the connection is unknown, its queue is full, or delivery failed.
// Queue depth bookkeeping is mutex-guarded so concurrent broadcasts never
// race the read-modify-write.
func (r *Router) RouteToConnection(ctx context.Context, connectionID string, event *models.Event) bool {
	r.mu.RLock()
	deliver, ok := r.handlers[connectionID]
	r.mu.RUnlock()

	if !ok {
		routerDrops.WithLabelValues(dropCauseNoConnection).Inc()
		return false
	}

	r.queueMu.Lock()
	depth := r.queueDepth[connectionID]
	if depth >= r.maxQueueSize {
		r.queueMu.Unlock()
		routerDrops.WithLabelValues(dropCauseQueueFull).Inc()
		r.logger.WarnContext(ctx, "connection queue full, dropping event",
			"connection_id", connectionID,
			"queue_depth", depth,
		)
		r.recordFailure(connectionID)
		return false
	}
	r.queueDepth[connectionID] = depth + 1
	routerQueueDepth.WithLabelValues(connectionID).Set(float64(depth + 1))
	r.queueMu.Unlock()

	defer func() {
		r.queueMu.Lock()
		if d, ok := r.queueDepth[connectionID]; ok && d > 0 {
			r.queueDepth[connectionID] = d - 1
			routerQueueDepth.WithLabelValues(connectionID).Set(float64(d - 1))
		}
		r.queueMu.Unlock()
	}()

	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	start := time.Now()
	err := deliver(sendCtx, event)
	latency := time.Since(start)

	if err != nil {
		routerDrops.WithLabelValues(dropCauseSendFailed).Inc()
		r.logger.ErrorContext(ctx, "event delivery failed",
			"connection_id", connectionID,
			"error", err,
		)
		r.recordFailure(connectionID)
		return false
	}

	r.recordSuccess(connectionID, latency)
	routerDeliveries.Inc()
	return true
}

func (r *Router) recordSuccess(connectionID string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[connectionID]
	if !ok {
		return
	}

	h.LastSuccessfulSend = time.Now()
	h.TotalMessages++
	h.AvgLatency = time.Duration((int64(h.AvgLatency)*(h.TotalMessages-1) + int64(latency)) / h.TotalMessages)
	h.FailedAttempts = 0
}

// recordFailure bumps the failure counter and auto-unregisters the
// connection once it crosses the threshold.
func (r *Router) recordFailure(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[connectionID]
	if !ok {
		return
	}

	h.FailedAttempts++
	if h.FailedAttempts >= r.failureThreshold {
		r.logger.Error("connection exceeded failure threshold, unregistering",
			"connection_id", connectionID,
			"failed_attempts", h.FailedAttempts,
		)
		r.unregisterLocked(connectionID)
	}
}

// BroadcastToExecution fans one event out to every connection subscribed
// to the execution. Deliveries run concurrently; the call returns when
// all attempts settle.
func (r *Router) BroadcastToExecution(ctx context.Context, executionID models.ExecutionID, event *models.Event) {
	r.mu.RLock()
	conns := make([]string, 0, len(r.subscriptions[executionID]))
	for connID := range r.subscriptions[executionID] {
		conns = append(conns, connID)
	}
	r.mu.RUnlock()

	if len(conns) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, connID := range conns {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			r.RouteToConnection(ctx, id, event)
		}(connID)
	}
	wg.Wait()
}

// Health returns a snapshot of one connection's health, or nil when the
// connection is unknown.
func (r *Router) Health(connectionID string) *ConnectionHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.health[connectionID]
	if !ok {
		return nil
	}
	snapshot := *h
	return &snapshot
}

// Stats summarizes router state for diagnostics endpoints.
func (r *Router) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	totalSubs := 0
	for _, conns := range r.subscriptions {
		totalSubs += len(conns)
	}

	unhealthy := 0
	now := time.Now()
	for _, h := range r.health {
		if now.Sub(h.LastSuccessfulSend) > time.Minute {
			unhealthy++
		}
	}

	r.queueMu.Lock()
	var avgQueue float64
	if len(r.queueDepth) > 0 {
		sum := 0
		for _, d := range r.queueDepth {
			sum += d
		}
		avgQueue = float64(sum) / float64(len(r.queueDepth))
	}
	r.queueMu.Unlock()

	return map[string]any{
		"active_connections":    len(r.handlers),
		"active_executions":     len(r.subscriptions),
		"total_subscriptions":   totalSubs,
		"unhealthy_connections": unhealthy,
		"avg_queue_size":        avgQueue,
	}
}

// IsSubscribed reports whether a connection appears in any subscription
// set. Used by tests to assert cleanup.
func (r *Router) IsSubscribed(connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conns := range r.subscriptions {
		if _, ok := conns[connectionID]; ok {
			return true
		}
	}
	return false
}

// Close clears all router state.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers = make(map[string]DeliveryFunc)
	r.subscriptions = make(map[models.ExecutionID]map[string]struct{})
	r.health = make(map[string]*ConnectionHealth)

	r.queueMu.Lock()
	r.queueDepth = make(map[string]int)
	r.queueMu.Unlock()
}
