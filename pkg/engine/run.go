package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/diaflow/diaflow/pkg/graph"
	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// nodeResult carries a finished handler invocation back to the driver.
type nodeResult struct {
	node    *models.Node
	output  *models.NodeOutput
	err     error
	timeout bool
}

// run is the driver-side state of one execution. All maps are owned by
// the single driver goroutine; workers communicate through the results
// channel only.
type run struct {
	engine *Engine
	id     models.ExecutionID
	graph  *graph.Graph
	opts   *ExecutionOptions

	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	seq       atomic.Int64

	pauseMu  sync.Mutex
	paused   bool
	resumeCh chan struct{}

	events  chan *models.Event
	results chan *nodeResult
	sem     chan struct{}

	loops *LoopController
	skips *SkipManager

	statuses          map[models.NodeID]models.NodeStatus
	outputs           map[models.NodeID]*models.NodeOutput
	variables         map[string]any
	firstOnlyConsumed map[models.NodeID]bool
	loopInputs        map[models.NodeID]any

	running int
	failed  bool
}

func newRun(e *Engine, id models.ExecutionID, g *graph.Graph, opts *ExecutionOptions, ctx context.Context, cancel context.CancelFunc) *run {
	loops := NewLoopController(opts.MaxIterationsGlobal)

	r := &run{
		engine:            e,
		id:                id,
		graph:             g,
		opts:              opts,
		ctx:               ctx,
		cancel:            cancel,
		events:            make(chan *models.Event, defaultEventBuffer),
		results:           make(chan *nodeResult, opts.WorkerPoolSize),
		sem:               make(chan struct{}, opts.WorkerPoolSize),
		loops:             loops,
		skips:             NewSkipManager(e.evaluator, loops),
		statuses:          make(map[models.NodeID]models.NodeStatus),
		outputs:           make(map[models.NodeID]*models.NodeOutput),
		variables:         make(map[string]any),
		firstOnlyConsumed: make(map[models.NodeID]bool),
		loopInputs:        make(map[models.NodeID]any),
	}

	for k, v := range opts.Variables {
		r.variables[k] = v
	}

	for _, node := range g.Nodes() {
		r.statuses[node.ID] = models.NodeStatusPending

		if registerAsLoopNode(node) {
			loops.Register(node.ID, node.MaxIterations())
		}
	}

	return r
}

// registerAsLoopNode decides up-front loop registration. Person jobs and
// nodes with a positive max_iterations are registered; an explicit
// max_iterations of 0 means "never run iteratively". Condition nodes
// gating on loop exhaustion stay unregistered so AllLoopsAtMax reflects
// the worker loops they watch; they are registered lazily if a back-edge
// targets them directly.
func registerAsLoopNode(node *models.Node) bool {
	if _, declared := node.Data["max_iterations"]; declared {
		return node.MaxIterations() > 0
	}

	return node.Type == models.NodeTypePersonJob || node.Type == models.NodeTypePersonBatch
}

// drive is the execution's single driver goroutine.
func (r *run) drive() {
	ctx := r.ctx
	defer r.cancel()
	defer close(r.events)
	defer r.engine.removeRun(r.id)

	if err := r.engine.store.UpdateStatus(ctx, r.id, models.ExecutionStatusRunning, ""); err != nil {
		r.finishWithStorageError(err)
		return
	}

	r.emit(models.EventTypeExecutionStart, "", map[string]any{
		"diagram_id": string(r.graph.Diagram().ID),
	})

	for {
		if r.cancelled.Load() || ctx.Err() != nil {
			break
		}

		if !r.waitIfPaused(ctx) {
			break
		}

		dispatched, storageErr := r.scheduleReady(ctx)
		if storageErr != nil {
			r.drain()
			r.finishWithStorageError(storageErr)
			return
		}

		if r.running == 0 {
			if dispatched == 0 {
				if r.allTerminal() {
					break
				}
				r.failDeadlock(ctx)
				return
			}
		}

		if r.running > 0 {
			select {
			case res := <-r.results:
				if err := r.handleResult(ctx, res); err != nil {
					r.drain()
					r.finishWithStorageError(err)
					return
				}
			case <-ctx.Done():
				r.cancelled.Store(true)
			}
		}
	}

	r.drain()
	r.finish(ctx)
}

// waitIfPaused blocks while the execution is paused. Returns false when
// the wait ended because of cancellation.
func (r *run) waitIfPaused(ctx context.Context) bool {
	r.pauseMu.Lock()
	paused := r.paused
	resumeCh := r.resumeCh
	r.pauseMu.Unlock()

	if !paused {
		return true
	}

	if err := r.engine.store.UpdateStatus(ctx, r.id, models.ExecutionStatusPaused, ""); err != nil {
		r.engine.logger.ErrorContext(ctx, "failed to persist paused status", "execution_id", r.id, "error", err)
	}

	select {
	case <-resumeCh:
		if err := r.engine.store.UpdateStatus(ctx, r.id, models.ExecutionStatusRunning, ""); err != nil {
			r.engine.logger.ErrorContext(ctx, "failed to persist running status", "execution_id", r.id, "error", err)
		}
		return true
	case <-ctx.Done():
		r.cancelled.Store(true)
		return false
	}
}

func (r *run) pause() {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()

	if r.paused {
		return
	}
	r.paused = true
	r.resumeCh = make(chan struct{})
}

func (r *run) resume() {
	r.pauseMu.Lock()
	defer r.pauseMu.Unlock()

	if !r.paused {
		return
	}
	r.paused = false
	close(r.resumeCh)
}

func (r *run) requestCancel() {
	if r.cancelled.Swap(true) {
		return
	}
	// A paused execution must observe the cancel too.
	r.resume()
	r.cancel()
}

// scheduleReady commits skips and dispatches every runnable node. It
// loops until the ready set stops changing, since each skip can unblock
// or dead-end downstream nodes.
func (r *run) scheduleReady(ctx context.Context) (int, error) {
	dispatched := 0

	for {
		progress := false

		for _, node := range r.readyNodes() {
			if r.cancelled.Load() {
				return dispatched, nil
			}

			if skip, reason := r.skips.ShouldSkip(node, r.skipContext()); skip {
				r.skips.MarkSkipped(node.ID, reason)
				r.statuses[node.ID] = models.NodeStatusSkipped
				if err := r.engine.store.UpdateNodeStatus(ctx, r.id, node.ID, models.NodeStatusSkipped, nil, "", reason); err != nil {
					return dispatched, err
				}
				r.emit(models.EventTypeNodeSkipped, node.ID, map[string]any{
					"reason": string(reason),
				})
				progress = true
				continue
			}

			if err := r.dispatch(ctx, node); err != nil {
				return dispatched, err
			}
			dispatched++
			progress = true
		}

		if !progress {
			return dispatched, nil
		}
	}
}

// readyNodes returns pending nodes whose forward dependencies are all
// terminal, in deterministic order.
func (r *run) readyNodes() []*models.Node {
	var ready []*models.Node

	for _, level := range r.graph.TopologicalOrder() {
		for _, nodeID := range level {
			if r.statuses[nodeID] != models.NodeStatusPending {
				continue
			}

			if r.dependenciesSettled(nodeID) {
				ready = append(ready, r.graph.Node(nodeID))
			}
		}
	}

	return ready
}

func (r *run) dependenciesSettled(nodeID models.NodeID) bool {
	for _, arrow := range r.graph.Incoming(nodeID) {
		if !r.statuses[arrow.Source.NodeID].IsTerminal() {
			return false
		}
	}
	return true
}

func (r *run) allTerminal() bool {
	for _, status := range r.statuses {
		if !status.IsTerminal() {
			return false
		}
	}
	return true
}

// dispatch transitions a node to RUNNING and hands it to a worker.
func (r *run) dispatch(ctx context.Context, node *models.Node) error {
	props, err := r.engine.registry.ResolveProps(node)
	if err != nil {
		return r.commitFailure(ctx, node, err, false)
	}

	inputs, err := r.resolveInputs(node)
	if err != nil {
		return r.commitFailure(ctx, node, err, false)
	}

	r.statuses[node.ID] = models.NodeStatusRunning
	if err := r.engine.store.UpdateNodeStatus(ctx, r.id, node.ID, models.NodeStatusRunning, nil, "", ""); err != nil {
		return err
	}

	r.emit(models.EventTypeNodeStart, node.ID, map[string]any{
		"node_type": string(node.Type),
		"iteration": r.loops.IterationCount(node.ID) + 1,
	})

	r.running++
	go r.invoke(node, props, inputs)
	return nil
}

// invoke runs one handler on the worker pool and reports the result.
// The per-node deadline is enforced even against handlers that ignore
// their context; the abandoned goroutine finishes on its own.
func (r *run) invoke(node *models.Node, props, inputs map[string]any) {
	r.sem <- struct{}{}
	defer func() { <-r.sem }()

	timeout := node.Timeout()
	if timeout <= 0 {
		timeout = r.opts.NodeTimeout
	}

	nodeCtx, cancel := context.WithTimeout(r.ctx, timeout)
	defer cancel()

	h, err := r.engine.registry.Get(node.Type)
	if err != nil {
		r.results <- &nodeResult{node: node, err: err}
		return
	}

	req := &handler.Request{
		Node:     node,
		Props:    props,
		Inputs:   inputs,
		Context:  r.handlerContext(node),
		Services: r.servicesFor(),
	}

	type invocation struct {
		output *models.NodeOutput
		err    error
	}
	done := make(chan invocation, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- invocation{err: fmt.Errorf("handler panicked: %v", rec)}
			}
		}()
		output, err := h.Execute(nodeCtx, req)
		done <- invocation{output: output, err: err}
	}()

	select {
	case inv := <-done:
		timedOut := inv.err != nil && errors.Is(inv.err, context.DeadlineExceeded) && r.ctx.Err() == nil
		r.results <- &nodeResult{node: node, output: inv.output, err: inv.err, timeout: timedOut}
	case <-nodeCtx.Done():
		timedOut := errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && r.ctx.Err() == nil
		r.results <- &nodeResult{node: node, err: nodeCtx.Err(), timeout: timedOut}
	}
}

func (r *run) handlerContext(node *models.Node) *handler.Context {
	variables := make(map[string]any, len(r.variables))
	for k, v := range r.variables {
		variables[k] = v
	}

	interactive := r.opts.Interactive
	nodeID := node.ID

	return &handler.Context{
		ExecutionID: r.id,
		NodeID:      nodeID,
		Variables:   variables,
		Emit: func(eventType models.EventType, data map[string]any) {
			r.emit(eventType, nodeID, data)
		},
		Interactive: func(ctx context.Context, promptNode models.NodeID, prompt string) (string, error) {
			r.emit(models.EventTypeInteractivePrompt, promptNode, map[string]any{
				"prompt": prompt,
			})
			if interactive == nil {
				return "", fmt.Errorf("no interactive handler configured")
			}
			return interactive(ctx, promptNode, prompt)
		},
	}
}

// servicesFor merges the engine's base services with per-run ones.
func (r *run) servicesFor() handler.Services {
	services := make(handler.Services, len(r.engine.services)+2)
	for k, v := range r.engine.services {
		services[k] = v
	}
	services[handler.ServiceEngine] = r.engine
	services[handler.ServiceEval] = r.engine.evaluator
	services["loops"] = LoopStatus(r.loops)
	return services
}

// handleResult commits a finished handler invocation. Only storage errors
// are returned; handler failures are recorded in the run.
func (r *run) handleResult(ctx context.Context, res *nodeResult) error {
	r.running--

	if r.cancelled.Load() {
		// No further node transitions after cancellation is observed.
		return nil
	}

	node := res.node

	if res.err != nil {
		return r.commitFailure(ctx, node, res.err, res.timeout)
	}

	output := res.output
	if output == nil {
		output = &models.NodeOutput{}
	}

	r.statuses[node.ID] = models.NodeStatusCompleted
	r.outputs[node.ID] = output

	if err := r.engine.store.UpdateNodeStatus(ctx, r.id, node.ID, models.NodeStatusCompleted, output, "", ""); err != nil {
		return err
	}

	if node.Type == models.NodeTypePersonJob || node.Type == models.NodeTypePersonBatch {
		if node.DataString(dataKeyFirstOnlyPrompt) != "" {
			r.firstOnlyConsumed[node.ID] = true
		}
	}

	if patch, ok := output.Metadata["variables"].(map[string]any); ok && len(patch) > 0 {
		for k, v := range patch {
			r.variables[k] = v
		}
		if err := r.engine.store.UpdateVariables(ctx, r.id, patch); err != nil {
			return err
		}
	}

	r.emit(models.EventTypeNodeComplete, node.ID, map[string]any{
		"node_type": string(node.Type),
		"output":    output.Value,
	})

	if r.loops.IsLoopNode(node.ID) {
		r.loops.MarkComplete(node.ID)
	}

	r.fireBackEdges(node, output)

	return nil
}

// commitFailure records a FAILED node transition. Timeouts carry a
// distinct error code in the message and event payload.
func (r *run) commitFailure(ctx context.Context, node *models.Node, cause error, timedOut bool) error {
	errMsg := cause.Error()
	if timedOut {
		errMsg = "TimeoutError: " + errMsg
	}

	r.statuses[node.ID] = models.NodeStatusFailed
	r.failed = true

	if err := r.engine.store.UpdateNodeStatus(ctx, r.id, node.ID, models.NodeStatusFailed, nil, errMsg, ""); err != nil {
		return err
	}

	r.emit(models.EventTypeNodeFailed, node.ID, map[string]any{
		"error":   errMsg,
		"timeout": timedOut,
	})

	return nil
}

// fireBackEdges re-enqueues loop bodies when a back-edge source completes
// and the target still has iterations left. Back-edges leaving a
// condition node's branch handles only fire when their branch was taken.
func (r *run) fireBackEdges(node *models.Node, output *models.NodeOutput) {
	for _, backEdge := range r.graph.BackEdgesFrom(node.ID) {
		if node.Type == models.NodeTypeCondition {
			switch backEdge.Source.Handle {
			case models.ConditionHandleTrue:
				if !conditionResult(output.Value) {
					continue
				}
			case models.ConditionHandleFalse:
				if conditionResult(output.Value) {
					continue
				}
			}
		}

		target := backEdge.Target.NodeID
		targetNode := r.graph.Node(target)

		// An explicit max_iterations of 0 disables iteration entirely.
		if _, declared := targetNode.Data["max_iterations"]; declared && targetNode.MaxIterations() == 0 {
			continue
		}

		// Back-edges may target iterative nodes that were not registered
		// up-front; bound them by the global ceiling from here on.
		if !r.loops.IsLoopNode(target) {
			r.loops.Register(target, targetNode.MaxIterations())
		}

		if !r.loops.ShouldContinue(target) {
			continue
		}

		r.loopInputs[target] = output.Value
		r.resetLoopBody(target, node.ID)
	}
}

// resetLoopBody returns the loop body (the forward paths from the
// back-edge target through its source) to PENDING so it runs again.
func (r *run) resetLoopBody(target, source models.NodeID) {
	body := r.loopBody(target, source)
	for nodeID := range body {
		r.statuses[nodeID] = models.NodeStatusPending
		delete(r.outputs, nodeID)
		r.skips.Unmark(nodeID)
	}
}

// loopBody computes the nodes on forward paths from target to source,
// both inclusive.
func (r *run) loopBody(target, source models.NodeID) map[models.NodeID]struct{} {
	if target == source {
		return map[models.NodeID]struct{}{target: {}}
	}

	forward := r.reachable(target, func(id models.NodeID) []*models.Arrow { return r.graph.Outgoing(id) }, func(a *models.Arrow) models.NodeID { return a.Target.NodeID })
	backward := r.reachable(source, func(id models.NodeID) []*models.Arrow { return r.graph.Incoming(id) }, func(a *models.Arrow) models.NodeID { return a.Source.NodeID })

	body := map[models.NodeID]struct{}{target: {}, source: {}}
	for id := range forward {
		if _, ok := backward[id]; ok {
			body[id] = struct{}{}
		}
	}
	return body
}

func (r *run) reachable(from models.NodeID, edges func(models.NodeID) []*models.Arrow, next func(*models.Arrow) models.NodeID) map[models.NodeID]struct{} {
	seen := map[models.NodeID]struct{}{from: {}}
	queue := []models.NodeID{from}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, arrow := range edges(current) {
			id := next(arrow)
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			queue = append(queue, id)
		}
	}

	return seen
}

// drain waits for in-flight workers so no result lands after the stream
// closes.
func (r *run) drain() {
	for r.running > 0 {
		res := <-r.results
		r.running--

		if !r.cancelled.Load() {
			// Results arriving during a storage-failure shutdown are
			// not committed; here we only account for them.
			_ = res
		}
	}
}

// finish commits the terminal status and event.
func (r *run) finish(ctx context.Context) {
	persistCtx := context.WithoutCancel(ctx)

	switch {
	case r.cancelled.Load() && errors.Is(ctx.Err(), context.DeadlineExceeded):
		errMsg := "execution timeout"
		if err := r.engine.store.UpdateStatus(persistCtx, r.id, models.ExecutionStatusFailed, errMsg); err != nil {
			r.engine.logger.Error("failed to persist terminal status", "execution_id", r.id, "error", err)
		}
		r.emit(models.EventTypeExecutionError, "", map[string]any{"error": errMsg})

	case r.cancelled.Load():
		errMsg := "execution cancelled"
		if err := r.engine.store.UpdateStatus(persistCtx, r.id, models.ExecutionStatusAborted, errMsg); err != nil {
			r.engine.logger.Error("failed to persist terminal status", "execution_id", r.id, "error", err)
		}
		r.emit(models.EventTypeExecutionError, "", map[string]any{"error": errMsg, "aborted": true})

	case r.failed && !r.opts.ContinueOnError:
		if err := r.engine.store.UpdateStatus(persistCtx, r.id, models.ExecutionStatusFailed, "one or more nodes failed"); err != nil {
			r.engine.logger.Error("failed to persist terminal status", "execution_id", r.id, "error", err)
		}
		r.emit(models.EventTypeExecutionError, "", map[string]any{"error": "one or more nodes failed"})

	default:
		if err := r.engine.store.UpdateStatus(persistCtx, r.id, models.ExecutionStatusCompleted, ""); err != nil {
			r.engine.logger.Error("failed to persist terminal status", "execution_id", r.id, "error", err)
		}
		r.emit(models.EventTypeExecutionComplete, "", map[string]any{
			"token_usage": r.tokenUsageSnapshot(persistCtx),
		})
	}
}

func (r *run) tokenUsageSnapshot(ctx context.Context) any {
	state, err := r.engine.store.GetState(ctx, r.id)
	if err != nil {
		return nil
	}
	return state.TokenUsage
}

// failDeadlock ends the execution when no node is ready, none is running,
// and nodes remain unfinished.
func (r *run) failDeadlock(ctx context.Context) {
	defer r.drain()

	errMsg := models.ErrDeadlock.Error()
	if err := r.engine.store.UpdateStatus(context.WithoutCancel(ctx), r.id, models.ExecutionStatusFailed, errMsg); err != nil {
		r.engine.logger.Error("failed to persist terminal status", "execution_id", r.id, "error", err)
	}
	r.emit(models.EventTypeExecutionError, "", map[string]any{"error": errMsg})
}

// finishWithStorageError is the fail-stop path for persistence failures.
func (r *run) finishWithStorageError(cause error) {
	r.engine.logger.Error("state persistence failed, aborting execution",
		"execution_id", r.id,
		"error", cause,
	)

	ctx := context.WithoutCancel(r.ctx)
	if err := r.engine.store.UpdateStatus(ctx, r.id, models.ExecutionStatusFailed, cause.Error()); err != nil {
		r.engine.logger.Error("failed to persist terminal status", "execution_id", r.id, "error", err)
	}
	r.emit(models.EventTypeExecutionError, "", map[string]any{"error": cause.Error()})
}

// emit assigns the next sequence number, pushes the event to the caller
// stream, and publishes it on the execution channel. The caller stream
// never blocks the driver: when its buffer is full the event is dropped
// from the stream (subscribers on the bus still receive it).
func (r *run) emit(eventType models.EventType, nodeID models.NodeID, data map[string]any) {
	event := &models.Event{
		Type:        eventType,
		ExecutionID: r.id,
		Sequence:    r.seq.Add(1),
		NodeID:      nodeID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}

	select {
	case r.events <- event:
	default:
		r.engine.logger.Warn("event stream buffer full, dropping event",
			"execution_id", r.id,
			"event_type", string(eventType),
		)
	}

	if r.engine.bus != nil {
		if err := r.engine.bus.Publish(context.WithoutCancel(r.ctx), models.ExecutionChannel(r.id), event); err != nil {
			r.engine.logger.Error("failed to publish event",
				"execution_id", r.id,
				"event_type", string(eventType),
				"error", err,
			)
		}
	}
}

func (r *run) skipContext() *skipContext {
	return &skipContext{
		graph:             r.graph,
		statuses:          r.statuses,
		outputs:           r.outputs,
		variables:         r.variables,
		firstOnlyConsumed: r.firstOnlyConsumed,
		branchTaken:       r.branchTaken,
	}
}
