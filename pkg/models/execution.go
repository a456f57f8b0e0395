package models

import (
	"time"
)

// ExecutionStatus represents the status of an execution.
// Values are persisted as lowercase strings.
type ExecutionStatus string

const (
	ExecutionStatusStarted   ExecutionStatus = "started"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusAborted   ExecutionStatus = "aborted"
)

// IsTerminal returns true for statuses that end an execution.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted ||
		s == ExecutionStatusFailed ||
		s == ExecutionStatusAborted
}

// IsActive returns true while the execution may still make progress.
func (s ExecutionStatus) IsActive() bool {
	return s == ExecutionStatusStarted ||
		s == ExecutionStatusRunning ||
		s == ExecutionStatusPaused
}

// NodeStatus represents the status of one node within an execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal returns true if the node status is terminal.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// SkipReason is the closed set of reasons a node transition may be SKIPPED.
type SkipReason string

const (
	SkipReasonMaxIterations     SkipReason = "max_iterations_reached"
	SkipReasonConditionNotMet   SkipReason = "condition_not_met"
	SkipReasonDependencySkipped SkipReason = "dependency_skipped"
	SkipReasonDependencyFailed  SkipReason = "dependency_failed"
	SkipReasonUserRequested     SkipReason = "user_requested"
	SkipReasonFirstOnlyConsumed SkipReason = "first_only_consumed"
)

// TokenUsage carries LLM token accounting. Cached is a pointer so "no
// cache information" is distinguishable from "zero cached tokens".
type TokenUsage struct {
	Input  int  `json:"input"`
	Output int  `json:"output"`
	Cached *int `json:"cached,omitempty"`
	Total  int  `json:"total"`
}

// Add accumulates another usage delta into this one.
func (t *TokenUsage) Add(delta TokenUsage) {
	t.Input += delta.Input
	t.Output += delta.Output
	if delta.Cached != nil {
		sum := *delta.Cached
		if t.Cached != nil {
			sum += *t.Cached
		}
		t.Cached = &sum
	}
	t.Total = t.Input + t.Output
}

// NodeOutput is the value a handler returns for one node run. Metadata
// under key "tokenUsage" is accumulated into node and execution totals.
type NodeOutput struct {
	Value    any            `json:"value"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// MetadataTokenUsageKey is the NodeOutput metadata key the engine inspects
// for token accounting.
const MetadataTokenUsageKey = "tokenUsage"

// TokenUsage extracts token accounting from output metadata, if present.
func (o *NodeOutput) TokenUsage() *TokenUsage {
	if o == nil || o.Metadata == nil {
		return nil
	}

	switch v := o.Metadata[MetadataTokenUsageKey].(type) {
	case *TokenUsage:
		return v
	case TokenUsage:
		return &v
	case map[string]any:
		usage := &TokenUsage{
			Input:  asInt(v["input"]),
			Output: asInt(v["output"]),
		}
		if c, ok := v["cached"]; ok && c != nil {
			cached := asInt(c)
			usage.Cached = &cached
		}
		usage.Total = usage.Input + usage.Output
		return usage
	}

	return nil
}

func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// NodeState is the per-node bookkeeping within an ExecutionState.
type NodeState struct {
	Status     NodeStatus  `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	SkipReason SkipReason  `json:"skip_reason,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// ExecutionState is the live bookkeeping for one run of a diagram.
// Mutation goes through the state store under a per-execution lock;
// values handed to callers are snapshots and must not be mutated.
type ExecutionState struct {
	ID          ExecutionID            `json:"id"`
	Status      ExecutionStatus        `json:"status"`
	DiagramID   DiagramID              `json:"diagram_id,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	NodeStates  map[NodeID]*NodeState  `json:"node_states"`
	NodeOutputs map[NodeID]*NodeOutput `json:"node_outputs"`
	Variables   map[string]any         `json:"variables"`
	TokenUsage  TokenUsage             `json:"token_usage"`
	Error       string                 `json:"error,omitempty"`
}

// IsActive reports whether the execution may still make progress.
func (s *ExecutionState) IsActive() bool {
	return s.Status.IsActive()
}

// NodeState returns the state record for a node, or nil if the node has
// not transitioned yet.
func (s *ExecutionState) NodeState(id NodeID) *NodeState {
	return s.NodeStates[id]
}

// Duration returns the elapsed wall time of the execution.
func (s *ExecutionState) Duration() time.Duration {
	if s.EndedAt == nil {
		return time.Since(s.StartedAt)
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// ExecutionSummary is the listing row returned by the state store.
type ExecutionSummary struct {
	ID         ExecutionID     `json:"execution_id"`
	Status     ExecutionStatus `json:"status"`
	DiagramID  DiagramID       `json:"diagram_id,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	TotalNodes int             `json:"total_nodes"`
}
