package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/diaflow/diaflow/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS execution_states (
	execution_id TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	diagram_id   TEXT,
	started_at   TEXT NOT NULL,
	ended_at     TEXT,
	node_states  TEXT NOT NULL,
	node_outputs TEXT NOT NULL,
	token_usage  TEXT NOT NULL,
	variables    TEXT NOT NULL,
	error        TEXT,
	created_at   TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_execution_states_status ON execution_states(status);
CREATE INDEX IF NOT EXISTS idx_execution_states_started_at ON execution_states(started_at);
`

// SQLiteStore persists execution states in an embedded WAL-mode sqlite
// database. Every mutation is flushed before the call returns.
type SQLiteStore struct {
	db    *sql.DB
	locks *execLocks
}

// NewSQLiteStore opens (and creates if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr("create database directory", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storageErr("open database", err)
	}

	// Concurrent writers on one sqlite handle are serialized anyway;
	// a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, storageErr("enable WAL", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, storageErr("initialize schema", err)
	}

	return &SQLiteStore{db: db, locks: newExecLocks()}, nil
}

// CreateExecution creates and persists a fresh execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, id models.ExecutionID, diagramID models.DiagramID, variables map[string]any) (*models.ExecutionState, error) {
	state := newExecutionState(id, diagramID, variables)
	if err := s.SaveState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SaveState upserts a full state record.
func (s *SQLiteStore) SaveState(ctx context.Context, state *models.ExecutionState) error {
	lock := s.locks.lockFor(state.ID)
	lock.Lock()
	defer lock.Unlock()

	return s.saveLocked(ctx, state)
}

func (s *SQLiteStore) saveLocked(ctx context.Context, state *models.ExecutionState) error {
	nodeStates, err := json.Marshal(state.NodeStates)
	if err != nil {
		return storageErr("marshal node states", err)
	}
	nodeOutputs, err := json.Marshal(state.NodeOutputs)
	if err != nil {
		return storageErr("marshal node outputs", err)
	}
	tokenUsage, err := json.Marshal(state.TokenUsage)
	if err != nil {
		return storageErr("marshal token usage", err)
	}
	variables, err := json.Marshal(state.Variables)
	if err != nil {
		return storageErr("marshal variables", err)
	}

	var endedAt any
	if state.EndedAt != nil {
		endedAt = state.EndedAt.Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO execution_states
		(execution_id, status, diagram_id, started_at, ended_at,
		 node_states, node_outputs, token_usage, variables, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(state.ID),
		string(state.Status),
		string(state.DiagramID),
		state.StartedAt.Format(time.RFC3339Nano),
		endedAt,
		string(nodeStates),
		string(nodeOutputs),
		string(tokenUsage),
		string(variables),
		nullable(state.Error),
	)
	if err != nil {
		return storageErr("save state", err)
	}

	return nil
}

// GetState returns a snapshot of an execution's state.
func (s *SQLiteStore) GetState(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	lock := s.locks.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	return s.getLocked(ctx, id)
}

func (s *SQLiteStore) getLocked(ctx context.Context, id models.ExecutionID) (*models.ExecutionState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, status, diagram_id, started_at, ended_at,
		       node_states, node_outputs, token_usage, variables, error
		FROM execution_states
		WHERE execution_id = ?`,
		string(id),
	)

	var (
		execID, status, startedAt        string
		diagramID, endedAt, errMsg       sql.NullString
		nodeStates, nodeOutputs          string
		tokenUsage, variables            string
	)

	err := row.Scan(&execID, &status, &diagramID, &startedAt, &endedAt,
		&nodeStates, &nodeOutputs, &tokenUsage, &variables, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrExecutionNotFound
	}
	if err != nil {
		return nil, storageErr("load state", err)
	}

	state := &models.ExecutionState{
		ID:        models.ExecutionID(execID),
		Status:    models.ExecutionStatus(status),
		DiagramID: models.DiagramID(diagramID.String),
		Error:     errMsg.String,
	}

	if state.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return nil, storageErr("parse started_at", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, storageErr("parse ended_at", err)
		}
		state.EndedAt = &t
	}

	if err := json.Unmarshal([]byte(nodeStates), &state.NodeStates); err != nil {
		return nil, storageErr("decode node states", err)
	}
	if err := json.Unmarshal([]byte(nodeOutputs), &state.NodeOutputs); err != nil {
		return nil, storageErr("decode node outputs", err)
	}
	if err := json.Unmarshal([]byte(tokenUsage), &state.TokenUsage); err != nil {
		return nil, storageErr("decode token usage", err)
	}
	if err := json.Unmarshal([]byte(variables), &state.Variables); err != nil {
		return nil, storageErr("decode variables", err)
	}

	return state, nil
}

// mutate loads, transforms, and persists a state under its lock.
func (s *SQLiteStore) mutate(ctx context.Context, id models.ExecutionID, fn func(state *models.ExecutionState)) error {
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
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id models.ExecutionID, status models.ExecutionStatus, errMsg string) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		applyStatus(state, status, errMsg)
	})
}

// UpdateNodeStatus transitions one node.
func (s *SQLiteStore) UpdateNodeStatus(ctx context.Context, id models.ExecutionID, nodeID models.NodeID, status models.NodeStatus, output *models.NodeOutput, errMsg string, skipReason models.SkipReason) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		applyNodeStatus(state, nodeID, status, output, errMsg, skipReason)
	})
}

// UpdateVariables shallow-merges a patch into execution variables.
func (s *SQLiteStore) UpdateVariables(ctx context.Context, id models.ExecutionID, patch map[string]any) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		applyVariables(state, patch)
	})
}

// AddTokenUsage accumulates a usage delta into execution totals.
func (s *SQLiteStore) AddTokenUsage(ctx context.Context, id models.ExecutionID, delta models.TokenUsage) error {
	return s.mutate(ctx, id, func(state *models.ExecutionState) {
		state.TokenUsage.Add(delta)
	})
}

// ListExecutions returns summaries, newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, limit, offset int) ([]*models.ExecutionSummary, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, status, diagram_id, started_at, ended_at, node_states
		FROM execution_states
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, storageErr("list executions", err)
	}
	defer rows.Close()

	var summaries []*models.ExecutionSummary
	for rows.Next() {
		var (
			execID, status, startedAt string
			diagramID, endedAt        sql.NullString
			nodeStates                string
		)
		if err := rows.Scan(&execID, &status, &diagramID, &startedAt, &endedAt, &nodeStates); err != nil {
			return nil, storageErr("scan execution row", err)
		}

		summary := &models.ExecutionSummary{
			ID:        models.ExecutionID(execID),
			Status:    models.ExecutionStatus(status),
			DiagramID: models.DiagramID(diagramID.String),
		}

		if summary.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
			return nil, storageErr("parse started_at", err)
		}
		if endedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, endedAt.String)
			if err != nil {
				return nil, storageErr("parse ended_at", err)
			}
			summary.EndedAt = &t
		}

		states := map[models.NodeID]*models.NodeState{}
		if err := json.Unmarshal([]byte(nodeStates), &states); err == nil {
			summary.TotalNodes = len(states)
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate execution rows", err)
	}

	return summaries, nil
}

// CleanupOldStates deletes executions older than the cutoff and reclaims
// space.
func (s *SQLiteStore) CleanupOldStates(ctx context.Context, days int) (int64, error) {
	cutoff := cleanupCutoff(days).Format(time.RFC3339Nano)

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM execution_states WHERE started_at < ?", cutoff)
	if err != nil {
		return 0, storageErr("cleanup old states", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, storageErr("count removed states", err)
	}

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return removed, storageErr("vacuum", err)
	}

	return removed, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
var _ Store = (*MemoryStore)(nil)
