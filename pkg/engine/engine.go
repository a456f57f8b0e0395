package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/diaflow/diaflow/internal/infrastructure/logger"
	"github.com/diaflow/diaflow/pkg/condition"
	"github.com/diaflow/diaflow/pkg/events"
	"github.com/diaflow/diaflow/pkg/graph"
	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// StateStore is the persistence contract the engine drives. It is
// satisfied by the stores in internal/infrastructure/storage.
type StateStore interface {
	CreateExecution(ctx context.Context, id models.ExecutionID, diagramID models.DiagramID, variables map[string]any) (*models.ExecutionState, error)
	GetState(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error)
	SaveState(ctx context.Context, state *models.ExecutionState) error
	UpdateStatus(ctx context.Context, id models.ExecutionID, status models.ExecutionStatus, errMsg string) error
	UpdateNodeStatus(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, status models.NodeStatus, output *models.NodeOutput, errMsg string, skipReason models.SkipReason) error
	UpdateVariables(ctx context.Context, id models.ExecutionID, patch map[string]any) error
	AddTokenUsage(ctx context.Context, id models.ExecutionID, delta models.TokenUsage) error
	ListExecutions(ctx context.Context, limit, offset int) ([]*models.ExecutionSummary, error)
	CleanupOldStates(ctx context.Context, days int) (int64, error)
}

// Engine owns every execution in the process. Each execution gets its own
// driver goroutine, worker pool, loop controller, and skip manager; the
// store and bus are shared.
type Engine struct {
	registry  *handler.Registry
	store     StateStore
	bus       events.Bus
	evaluator *condition.Evaluator
	services  handler.Services
	defaults  Defaults
	logger    *logger.Logger

	mu   sync.Mutex
	runs map[models.ExecutionID]*run
}

// Option configures an Engine.
type Option func(*Engine)

// WithServices sets the base service set injected into handlers.
func WithServices(services handler.Services) Option {
	return func(e *Engine) {
		e.services = services
	}
}

// WithDefaults overrides engine-wide execution defaults.
func WithDefaults(defaults Defaults) Option {
	return func(e *Engine) {
		e.defaults = defaults
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an engine.
func New(registry *handler.Registry, store StateStore, bus events.Bus, opts ...Option) *Engine {
	e := &Engine{
		registry:  registry,
		store:     store,
		bus:       bus,
		evaluator: condition.NewEvaluator(),
		services:  handler.Services{},
		defaults:  DefaultDefaults(),
		logger:    logger.Default(),
		runs:      make(map[models.ExecutionID]*run),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute validates the graph against the registry, creates the execution
// state, and starts the driver. It returns the execution ID and the event
// stream; the stream closes after the terminal event.
//
// Validation failures (unknown node types, invalid props) reject the
// execution before any state is created.
func (e *Engine) Execute(ctx context.Context, g *graph.Graph, opts *ExecutionOptions) (models.ExecutionID, <-chan *models.Event, error) {
	if err := e.registry.Preflight(g.Nodes()); err != nil {
		return "", nil, err
	}

	options := opts.withDefaults(e.defaults)

	id := options.ExecutionID
	if id == "" {
		id = models.ExecutionID(uuid.NewString())
	}

	if _, err := e.store.CreateExecution(ctx, id, g.Diagram().ID, options.Variables); err != nil {
		return "", nil, fmt.Errorf("failed to create execution state: %w", err)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if options.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), options.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}

	r := newRun(e, id, g, options, runCtx, cancel)

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	go r.drive()

	return id, r.events, nil
}

// Cancel aborts an execution. It is idempotent: repeated calls, or calls
// after the execution ended, are no-ops.
func (e *Engine) Cancel(id models.ExecutionID) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()

	if !ok {
		return
	}

	r.requestCancel()
}

// Pause suspends scheduling for an execution. In-flight handlers finish;
// no new handlers start until Resume.
func (e *Engine) Pause(id models.ExecutionID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()

	if !ok {
		return models.ErrExecutionNotFound
	}

	r.pause()
	return nil
}

// Resume lifts a pause.
func (e *Engine) Resume(id models.ExecutionID) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()

	if !ok {
		return models.ErrExecutionNotFound
	}

	r.resume()
	return nil
}

// GetExecutionState returns a snapshot of an execution's state.
func (e *Engine) GetExecutionState(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	return e.store.GetState(ctx, id)
}

// ListExecutions lists executions, newest first.
func (e *Engine) ListExecutions(ctx context.Context, limit, offset int) ([]*models.ExecutionSummary, error) {
	return e.store.ListExecutions(ctx, limit, offset)
}

// Subscribe attaches a handler to an execution's event channel.
func (e *Engine) Subscribe(id models.ExecutionID, h events.Handler) (string, error) {
	return e.bus.Subscribe(models.ExecutionChannel(id), h)
}

// Unsubscribe detaches a subscription created with Subscribe.
func (e *Engine) Unsubscribe(subscriptionID string) error {
	return e.bus.Unsubscribe(subscriptionID)
}

// Bus exposes the engine's event bus to embedding applications.
func (e *Engine) Bus() events.Bus {
	return e.bus
}

func (e *Engine) removeRun(id models.ExecutionID) {
	e.mu.Lock()
	delete(e.runs, id)
	e.mu.Unlock()
}
