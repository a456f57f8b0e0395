package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/diaflow/diaflow/pkg/models"
)

// MemoryStore keeps execution states in process memory. It backs embedded
// use and tests; durability comes from the sqlite and postgres stores.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[models.ExecutionID]*models.ExecutionState
	locks  *execLocks
}

// NewMemoryStore creates an in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[models.ExecutionID]*models.ExecutionState),
		locks:  newExecLocks(),
	}
}

// CreateExecution creates a fresh execution record.
func (s *MemoryStore) CreateExecution(ctx context.Context, id models.ExecutionID, diagramID models.DiagramID, variables map[string]any) (*models.ExecutionState, error) {
	state := newExecutionState(id, diagramID, variables)

	s.mu.Lock()
	s.states[id] = state
	s.mu.Unlock()

	return cloneState(state), nil
}

// GetState returns a snapshot of an execution's state.
func (s *MemoryStore) GetState(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	s.mu.RLock()
	state, ok := s.states[id]
	s.mu.RUnlock()

	if !ok {
		return nil, models.ErrExecutionNotFound
	}

	lock := s.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return cloneState(state), nil
}

// SaveState upserts a full state record.
func (s *MemoryStore) SaveState(ctx context.Context, state *models.ExecutionState) error {
	lock := s.locks.lockFor(state.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	s.states[state.ID] = cloneState(state)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) mutate(id models.ExecutionID, fn func(state *models.ExecutionState)) error {
	lock := s.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	state, ok := s.states[id]
	s.mu.RUnlock()

	if !ok {
		return models.ErrExecutionNotFound
	}

	fn(state)
	return nil
}

// UpdateStatus transitions the execution status.
func (s *MemoryStore) UpdateStatus(ctx context.Context, id models.ExecutionID, status models.ExecutionStatus, errMsg string) error {
	return s.mutate(id, func(state *models.ExecutionState) {
		applyStatus(state, status, errMsg)
	})
}

// UpdateNodeStatus transitions one node.
func (s *MemoryStore) UpdateNodeStatus(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, status models.NodeStatus, output *models.NodeOutput, errMsg string, skipReason models.SkipReason) error {
	return s.mutate(id, func(state *models.ExecutionState) {
		applyNodeStatus(state, nodeID, status, output, errMsg, skipReason)
	})
}

// UpdateVariables shallow-merges a patch into execution variables.
func (s *MemoryStore) UpdateVariables(ctx context.Context, id models.ExecutionID, patch map[string]any) error {
	return s.mutate(id, func(state *models.ExecutionState) {
		applyVariables(state, patch)
	})
}

// AddTokenUsage accumulates a usage delta into execution totals.
func (s *MemoryStore) AddTokenUsage(ctx context.Context, id models.ExecutionID, delta models.TokenUsage) error {
	return s.mutate(id, func(state *models.ExecutionState) {
		state.TokenUsage.Add(delta)
	})
}

// ListExecutions returns summaries, newest first.
func (s *MemoryStore) ListExecutions(ctx context.Context, limit, offset int) ([]*models.ExecutionSummary, error) {
	s.mu.RLock()
	all := make([]*models.ExecutionState, 0, len(s.states))
	for _, state := range s.states {
		all = append(all, state)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	summaries := make([]*models.ExecutionSummary, len(all))
	for i, state := range all {
		summaries[i] = &models.ExecutionSummary{
			ID:         state.ID,
			Status:     state.Status,
			DiagramID:  state.DiagramID,
			StartedAt:  state.StartedAt,
			EndedAt:    state.EndedAt,
			TotalNodes: len(state.NodeStates),
		}
	}

	return summaries, nil
}

// CleanupOldStates deletes executions older than the cutoff.
func (s *MemoryStore) CleanupOldStates(ctx context.Context, days int) (int64, error) {
	cutoff := cleanupCutoff(days)

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, state := range s.states {
		if state.StartedAt.Before(cutoff) {
			delete(s.states, id)
			s.locks.drop(id)
			removed++
		}
	}

	return removed, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// cloneState deep-copies a state so callers can never mutate the
// canonical record.
func cloneState(state *models.ExecutionState) *models.ExecutionState {
	data, err := json.Marshal(state)
	if err != nil {
		// States are built from JSON-safe values only; marshal cannot
		// fail on well-formed records.
		dup := *state
		return &dup
	}

	var clone models.ExecutionState
	if err := json.Unmarshal(data, &clone); err != nil {
		dup := *state
		return &dup
	}
	return &clone
}
