// Package storage implements durable per-execution state keeping. Three
// backends share one contract: an in-memory store for embedding and
// tests, an embedded WAL sqlite store, and a Postgres store.
//
// All mutations acquire a per-execution lock; reads return snapshots that
// callers must not mutate. Persistence failures are fail-stop: they
// surface wrapped in models.ErrStorage and the engine fails the execution.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diaflow/diaflow/pkg/models"
)

// Store is the state store contract used by the engine.
type Store interface {
	// CreateExecution creates and persists a fresh ExecutionState in
	// STARTED status.
	CreateExecution(ctx context.Context, id models.ExecutionID, diagramID models.DiagramID, variables map[string]any) (*models.ExecutionState, error)

	// GetState returns a snapshot of an execution's state, or
	// models.ErrExecutionNotFound.
	GetState(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error)

	// SaveState upserts a full state record.
	SaveState(ctx context.Context, state *models.ExecutionState) error

	// UpdateStatus transitions the execution status. Terminal statuses
	// set EndedAt.
	UpdateStatus(ctx context.Context, id models.ExecutionID, status models.ExecutionStatus, errMsg string) error

	// UpdateNodeStatus transitions one node, creating its NodeState if
	// missing. RUNNING records StartedAt on first transition; terminal
	// statuses record EndedAt. An output supplied on COMPLETED is stored
	// and, when its metadata carries token usage, accumulated into the
	// node's and the execution's totals.
	UpdateNodeStatus(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, status models.NodeStatus, output *models.NodeOutput, errMsg string, skipReason models.SkipReason) error

	// UpdateVariables shallow-merges a patch into execution variables.
	UpdateVariables(ctx context.Context, id models.ExecutionID, patch map[string]any) error

	// AddTokenUsage atomically accumulates a usage delta into execution
	// totals.
	AddTokenUsage(ctx context.Context, id models.ExecutionID, delta models.TokenUsage) error

	// ListExecutions returns summaries, newest first.
	ListExecutions(ctx context.Context, limit, offset int) ([]*models.ExecutionSummary, error)

	// CleanupOldStates deletes executions whose StartedAt is older than
	// the cutoff. Returns the number of rows removed.
	CleanupOldStates(ctx context.Context, days int) (int64, error)

	// Close releases backend resources.
	Close() error
}

// execLocks hands out one mutex per execution so state transitions are
// linearized without serializing unrelated executions.
type execLocks struct {
	mu    sync.Mutex
	locks map[models.ExecutionID]*sync.Mutex
}

func newExecLocks() *execLocks {
	return &execLocks{locks: make(map[models.ExecutionID]*sync.Mutex)}
}

func (l *execLocks) lockFor(id models.ExecutionID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[id] = lock
	}
	return lock
}

func (l *execLocks) drop(id models.ExecutionID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, id)
}

// newExecutionState builds the initial record for CreateExecution.
func newExecutionState(id models.ExecutionID, diagramID models.DiagramID, variables map[string]any) *models.ExecutionState {
	if variables == nil {
		variables = map[string]any{}
	}

	return &models.ExecutionState{
		ID:          id,
		Status:      models.ExecutionStatusStarted,
		DiagramID:   diagramID,
		StartedAt:   time.Now().UTC(),
		NodeStates:  map[models.NodeID]*models.NodeState{},
		NodeOutputs: map[models.NodeID]*models.NodeOutput{},
		Variables:   variables,
	}
}

// applyStatus mutates a state for UpdateStatus.
func applyStatus(state *models.ExecutionState, status models.ExecutionStatus, errMsg string) {
	state.Status = status
	if errMsg != "" {
		state.Error = errMsg
	}
	if status.IsTerminal() {
		now := time.Now().UTC()
		state.EndedAt = &now
	}
}

// applyNodeStatus mutates a state for UpdateNodeStatus.
func applyNodeStatus(state *models.ExecutionState, nodeID models.NodeID, status models.NodeStatus, output *models.NodeOutput, errMsg string, skipReason models.SkipReason) {
	now := time.Now().UTC()

	ns, ok := state.NodeStates[nodeID]
	if !ok {
		ns = &models.NodeState{}
		state.NodeStates[nodeID] = ns
	}

	ns.Status = status
	switch {
	case status == models.NodeStatusRunning:
		started := now
		ns.StartedAt = &started
		ns.EndedAt = nil
	case status.IsTerminal():
		ended := now
		ns.EndedAt = &ended
	}

	if errMsg != "" {
		ns.Error = errMsg
	}
	if skipReason != "" {
		ns.SkipReason = skipReason
	}

	if status == models.NodeStatusCompleted && output != nil {
		state.NodeOutputs[nodeID] = output
		if usage := output.TokenUsage(); usage != nil {
			if ns.TokenUsage == nil {
				ns.TokenUsage = &models.TokenUsage{}
			}
			ns.TokenUsage.Add(*usage)
			state.TokenUsage.Add(*usage)
		}
	}
}

// applyVariables shallow-merges a patch.
func applyVariables(state *models.ExecutionState, patch map[string]any) {
	if state.Variables == nil {
		state.Variables = map[string]any{}
	}
	for k, v := range patch {
		state.Variables[k] = v
	}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", models.ErrStorage, op, err)
}

// cleanupCutoff computes the retention cutoff for CleanupOldStates.
func cleanupCutoff(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, -days)
}
