package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/diaflow/diaflow/pkg/models"
)

// executionStateModel is the bun row mapping for execution_states.
// JSON columns carry the canonical encoding: lowercase enum strings,
// RFC3339 timestamps.
type executionStateModel struct {
	bun.BaseModel `bun:"table:execution_states,alias:es"`

	ExecutionID string     `bun:"execution_id,pk"`
	Status      string     `bun:"status,notnull"`
	DiagramID   string     `bun:"diagram_id,nullzero"`
	StartedAt   time.Time  `bun:"started_at,notnull"`
	EndedAt     *time.Time `bun:"ended_at"`
	NodeStates  []byte     `bun:"node_states,type:jsonb,notnull"`
	NodeOutputs []byte     `bun:"node_outputs,type:jsonb,notnull"`
	TokenUsage  []byte     `bun:"token_usage,type:jsonb,notnull"`
	Variables   []byte     `bun:"variables,type:jsonb,notnull"`
	Error       string     `bun:"error,nullzero"`
	CreatedAt   time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

func toModel(state *models.ExecutionState) (*executionStateModel, error) {
	nodeStates, err := json.Marshal(state.NodeStates)
	if err != nil {
		return nil, err
	}
	nodeOutputs, err := json.Marshal(state.NodeOutputs)
	if err != nil {
		return nil, err
	}
	tokenUsage, err := json.Marshal(state.TokenUsage)
	if err != nil {
		return nil, err
	}
	variables, err := json.Marshal(state.Variables)
	if err != nil {
		return nil, err
	}

	return &executionStateModel{
		ExecutionID: string(state.ID),
		Status:      string(state.Status),
		DiagramID:   string(state.DiagramID),
		StartedAt:   state.StartedAt,
		EndedAt:     state.EndedAt,
		NodeStates:  nodeStates,
		NodeOutputs: nodeOutputs,
		TokenUsage:  tokenUsage,
		Variables:   variables,
		Error:       state.Error,
	}, nil
}

func (m *executionStateModel) toState() (*models.ExecutionState, error) {
	state := &models.ExecutionState{
		ID:        models.ExecutionID(m.ExecutionID),
		Status:    models.ExecutionStatus(m.Status),
		DiagramID: models.DiagramID(m.DiagramID),
		StartedAt: m.StartedAt,
		EndedAt:   m.EndedAt,
		Error:     m.Error,
	}

	if err := json.Unmarshal(m.NodeStates, &state.NodeStates); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(m.NodeOutputs, &state.NodeOutputs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(m.TokenUsage, &state.TokenUsage); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(m.Variables, &state.Variables); err != nil {
		return nil, err
	}

	return state, nil
}

// PostgresStore persists execution states in Postgres through Bun.
type PostgresStore struct {
	db    *bun.DB
	locks *execLocks
}

// NewPostgresStore connects to the database and ensures the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	store := &PostgresStore{db: db, locks: newExecLocks()}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewPostgresStoreFromDB wraps an existing bun.DB (used by tests and
// embedding applications that manage their own pool).
func NewPostgresStoreFromDB(ctx context.Context, db *bun.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db, locks: newExecLocks()}
	if err := store.migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*executionStateModel)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return storageErr("create execution_states table", err)
	}

	for _, idx := range []struct{ name, column string }{
		{"idx_execution_states_status", "status"},
		{"idx_execution_states_started_at", "started_at"},
	} {
		if _, err := s.db.NewCreateIndex().
			Model((*executionStateModel)(nil)).
			Index(idx.name).
			Column(idx.column).
			IfNotExists().
			Exec(ctx); err != nil {
			return storageErr("create index", err)
		}
	}

	return nil
}

// CreateExecution creates and persists a fresh execution record.
func (s *PostgresStore) CreateExecution(ctx context.Context, id models.ExecutionID, diagramID models.DiagramID, variables map[string]any) (*models.ExecutionState, error) {
	state := newExecutionState(id, diagramID, variables)
	if err := s.SaveState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveState upserts a full state record.
func (s *PostgresStore) SaveState(ctx context.Context, state *models.ExecutionState) error {
	lock := s.locks.lockFor(state.ID)
	lock.Lock()
	defer lock.Unlock()

	return s.saveLocked(ctx, state)
}

func (s *PostgresStore) saveLocked(ctx context.Context, state *models.ExecutionState) error {
	model, err := toModel(state)
	if err != nil {
		return storageErr("encode state", err)
	}

	_, err = s.db.NewInsert().
		Model(model).
		On("CONFLICT (execution_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("ended_at = EXCLUDED.ended_at").
		Set("node_states = EXCLUDED.node_states").
		Set("node_outputs = EXCLUDED.node_outputs").
		Set("token_usage = EXCLUDED.token_usage").
		Set("variables = EXCLUDED.variables").
		Set("error = EXCLUDED.error").
		Exec(ctx)
	if err != nil {
		return storageErr("save state", err)
	}

	return nil
}

// GetState returns a snapshot of an execution's state.
func (s *PostgresStore) GetState(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	lock := s.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return s.getLocked(ctx, id)
}

func (s *PostgresStore) getLocked(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	model := &executionStateModel{}
	err := s.db.NewSelect().
		Model(model).
		Where("execution_id = ?", string(id)).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrExecutionNotFound
		}
		return nil, storageErr("load state", err)
	}

	state, err := model.toState()
	if err != nil {
		return nil, storageErr("decode state", err)
	}
	return state, nil
}

func (s *PostgresStore) mutate(ctx context.Context, id models.ExecutionID, fn func(state *models.ExecutionState)) error {
	lock := s.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	state, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}

	fn(state)
	return s.saveLocked(ctx, state)
}

// UpdateStatus transitions the execution status.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id models.ExecutionID, status models.ExecutionStatus, errMsg string) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		applyStatus(state, status, errMsg)
	})
}

// UpdateNodeStatus transitions one node.
func (s *PostgresStore) UpdateNodeStatus(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, status models.NodeStatus, output *models.NodeOutput, errMsg string, skipReason models.SkipReason) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		applyNodeStatus(state, nodeID, status, output, errMsg, skipReason)
	})
}

// UpdateVariables shallow-merges a patch into execution variables.
func (s *PostgresStore) UpdateVariables(ctx context.Context, id models.ExecutionID, patch map[string]any) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		applyVariables(state, patch)
	})
}

// AddTokenUsage accumulates a usage delta into execution totals.
func (s *PostgresStore) AddTokenUsage(ctx context.Context, id models.ExecutionID, delta models.TokenUsage) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		state.TokenUsage.Add(delta)
	})
}

// ListExecutions returns summaries, newest first.
func (s *PostgresStore) ListExecutions(ctx context.Context, limit, offset int) ([]*models.ExecutionSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows []*executionStateModel
	err := s.db.NewSelect().
		Model(&rows).
		Column("execution_id", "status", "diagram_id", "started_at", "ended_at", "node_states").
		Order("started_at DESC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, storageErr("list executions", err)
	}

	summaries := make([]*models.ExecutionSummary, 0, len(rows))
	for _, row := range rows {
		summary := &models.ExecutionSummary{
			ID:        models.ExecutionID(row.ExecutionID),
			Status:    models.ExecutionStatus(row.Status),
			DiagramID: models.DiagramID(row.DiagramID),
			StartedAt: row.StartedAt,
			EndedAt:   row.EndedAt,
		}

		states := map[models.NodeID]*models.NodeState{}
		if err := json.Unmarshal(row.NodeStates, &states); err == nil {
			summary.TotalNodes = len(states)
		}

		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// CleanupOldStates deletes executions older than the cutoff.
func (s *PostgresStore) CleanupOldStates(ctx context.Context, days int) (int64, error) {
	result, err := s.db.NewDelete().
		Model((*executionStateModel)(nil)).
		Where("started_at < ?", cleanupCutoff(days)).
		Exec(ctx)
	if err != nil {
		return 0, storageErr("cleanup old states", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("count removed states", err)
	}

	return removed, nil
}

// Close closes the database.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
