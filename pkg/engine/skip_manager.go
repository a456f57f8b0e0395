package engine

import (
	"sync"

	"github.com/diaflow/diaflow/pkg/condition"
	"github.com/diaflow/diaflow/pkg/graph"
	"github.com/diaflow/diaflow/pkg/models"
)

// Node data keys consulted by the skip rules.
const (
	dataKeyExpression      = "expression"
	dataKeySkipIf          = "skip_if"
	dataKeyConditionType   = "condition_type"
	dataKeyFirstOnlyPrompt = "first_only_prompt"
	dataKeyDefaultPrompt   = "default_prompt"
	dataKeyFirstOnlyInputs = "first_only_inputs"

	conditionTypeMaxIterations = "max_iterations"
)

// skipContext is the execution view the skip rules read. The driver owns
// all of it; the skip manager never mutates execution state directly.
type skipContext struct {
	graph             *graph.Graph
	statuses          map[models.NodeID]models.NodeStatus
	outputs           map[models.NodeID]*models.NodeOutput
	variables         map[string]any
	firstOnlyConsumed map[models.NodeID]bool
	branchTaken       func(arrow *models.Arrow) bool
}

// SkipManager centralizes skip decisions and records the reason for every
// SKIPPED transition. Rules are evaluated in order; the first match wins.
type SkipManager struct {
	mu        sync.Mutex
	reasons   map[models.NodeID]models.SkipReason
	evaluator *condition.Evaluator
	loops     *LoopController
}

// NewSkipManager creates a skip manager bound to one execution's loop
// controller.
func NewSkipManager(evaluator *condition.Evaluator, loops *LoopController) *SkipManager {
	return &SkipManager{
		reasons:   make(map[models.NodeID]models.SkipReason),
		evaluator: evaluator,
		loops:     loops,
	}
}

// ShouldSkip decides whether a ready node must be skipped. Rule order:
// max iterations, gating condition, skipped/failed dependencies,
// first-only consumption.
func (sm *SkipManager) ShouldSkip(node *models.Node, sctx *skipContext) (bool, models.SkipReason) {
	if sm.IsSkipped(node.ID) {
		return true, sm.Reason(node.ID)
	}

	if sm.skipDueToIterations(node) {
		return true, models.SkipReasonMaxIterations
	}

	if skip, reason := sm.skipDueToCondition(node, sctx); skip {
		return true, reason
	}

	if skip, reason := sm.skipDueToDependencies(node, sctx); skip {
		return true, reason
	}

	if sm.skipDueToFirstOnly(node, sctx) {
		return true, models.SkipReasonFirstOnlyConsumed
	}

	return false, ""
}

// skipDueToIterations skips loop nodes that already reached their limit.
func (sm *SkipManager) skipDueToIterations(node *models.Node) bool {
	if !sm.loops.IsLoopNode(node.ID) {
		return false
	}

	return sm.loops.IterationCount(node.ID) > 0 && !sm.loops.ShouldContinue(node.ID)
}

// skipDueToCondition handles two gates: condition nodes whose expression
// is false, and any node with a skip_if expression that is true.
// An error in a condition node's expression skips the node; an error in a
// skip_if expression does not, and the node runs.
func (sm *SkipManager) skipDueToCondition(node *models.Node, sctx *skipContext) (bool, models.SkipReason) {
	env := sm.conditionEnv(sctx)

	if node.Type == models.NodeTypeCondition &&
		node.DataString(dataKeyConditionType) != conditionTypeMaxIterations {
		expression := node.DataString(dataKeyExpression)
		if expression != "" {
			ok, err := sm.evaluator.Evaluate(expression, env)
			if err != nil || !ok {
				return true, models.SkipReasonConditionNotMet
			}
		}
	}

	if skipIf := node.DataString(dataKeySkipIf); skipIf != "" {
		if ok, err := sm.evaluator.Evaluate(skipIf, env); err == nil && ok {
			return true, models.SkipReasonConditionNotMet
		}
	}

	return false, ""
}

// conditionEnv builds the read-only context for gating expressions:
// execution variables plus node outputs keyed by node ID.
func (sm *SkipManager) conditionEnv(sctx *skipContext) map[string]any {
	env := make(map[string]any, len(sctx.variables)+len(sctx.outputs))
	for k, v := range sctx.variables {
		env[k] = v
	}
	for nodeID, output := range sctx.outputs {
		if output != nil {
			env[string(nodeID)] = output.Value
		}
	}
	return env
}

// skipDueToDependencies skips a node when all its required dependencies
// are skipped, or when any required dependency failed. Optional (first
// only) dependencies never force a skip; branch arrows that were not
// taken count as skipped dependencies.
func (sm *SkipManager) skipDueToDependencies(node *models.Node, sctx *skipContext) (bool, models.SkipReason) {
	incoming := sctx.graph.Incoming(node.ID)
	if len(incoming) == 0 {
		return false, ""
	}

	hasRequired := false
	allRequiredDead := true
	anyFailed := false

	for _, arrow := range incoming {
		if isOptionalDependency(arrow, node) {
			continue
		}
		hasRequired = true

		sourceStatus := sctx.statuses[arrow.Source.NodeID]
		switch sourceStatus {
		case models.NodeStatusFailed:
			anyFailed = true
		case models.NodeStatusSkipped:
			// dependency dead
		case models.NodeStatusCompleted:
			if sctx.branchTaken == nil || sctx.branchTaken(arrow) {
				allRequiredDead = false
			}
		default:
			allRequiredDead = false
		}
	}

	if !hasRequired {
		return false, ""
	}

	if anyFailed {
		return true, models.SkipReasonDependencyFailed
	}

	if allRequiredDead {
		return true, models.SkipReasonDependencySkipped
	}

	return false, ""
}

// skipDueToFirstOnly skips person jobs whose first-only prompt was
// consumed and that have no default prompt to fall back to.
func (sm *SkipManager) skipDueToFirstOnly(node *models.Node, sctx *skipContext) bool {
	if node.Type != models.NodeTypePersonJob && node.Type != models.NodeTypePersonBatch {
		return false
	}

	if node.DataString(dataKeyFirstOnlyPrompt) == "" {
		return false
	}

	if !sctx.firstOnlyConsumed[node.ID] {
		return false
	}

	return node.DataString(dataKeyDefaultPrompt) == ""
}

// isOptionalDependency reports whether an arrow is a first-only input to
// a person job; those are excluded from the required dependency set.
func isOptionalDependency(arrow *models.Arrow, target *models.Node) bool {
	if target.Type != models.NodeTypePersonJob && target.Type != models.NodeTypePersonBatch {
		return false
	}

	firstOnly, ok := target.Data[dataKeyFirstOnlyInputs]
	if !ok {
		return false
	}

	switch labels := firstOnly.(type) {
	case []string:
		for _, l := range labels {
			if l == arrow.Label {
				return true
			}
		}
	case []any:
		for _, l := range labels {
			if s, ok := l.(string); ok && s == arrow.Label {
				return true
			}
		}
	}

	return false
}

// MarkSkipped records a node as skipped with its reason.
func (sm *SkipManager) MarkSkipped(nodeID models.NodeID, reason models.SkipReason) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.reasons[nodeID] = reason
}

// Unmark clears skip bookkeeping for a node re-entering a loop.
func (sm *SkipManager) Unmark(nodeID models.NodeID) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.reasons, nodeID)
}

// IsSkipped reports whether a node was marked skipped.
func (sm *SkipManager) IsSkipped(nodeID models.NodeID) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	_, ok := sm.reasons[nodeID]
	return ok
}

// Reason returns the recorded skip reason, or "".
func (sm *SkipManager) Reason(nodeID models.NodeID) models.SkipReason {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.reasons[nodeID]
}

// All returns every recorded skip, keyed by node ID.
func (sm *SkipManager) All() map[models.NodeID]models.SkipReason {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	out := make(map[models.NodeID]models.SkipReason, len(sm.reasons))
	for k, v := range sm.reasons {
		out[k] = v
	}
	return out
}
