package builtin

import (
	"context"
	"fmt"

	"github.com/diaflow/diaflow/pkg/condition"
	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// LoopStatus is the loop view the engine injects for max_iterations
// conditions.
type LoopStatus interface {
	AllLoopsAtMax() bool
	IterationCount(nodeID models.NodeID) int
}

// ConditionHandler evaluates a gating expression (or loop exhaustion) and
// outputs {result: bool}; branch routing happens on the node's condtrue
// and condfalse handles.
type ConditionHandler struct{}

// NewConditionHandler creates the condition handler.
func NewConditionHandler() *ConditionHandler {
	return &ConditionHandler{}
}

func (h *ConditionHandler) RequiredServices() []string { return []string{handler.ServiceEval} }
func (h *ConditionHandler) PropsSchema() any           { return nil }

func (h *ConditionHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	conditionType, _ := req.Props["condition_type"].(string)

	switch conditionType {
	case "max_iterations":
		loops, ok := req.Services["loops"].(LoopStatus)
		if !ok {
			return nil, fmt.Errorf("loop status service not injected")
		}
		return &models.NodeOutput{
			Value: map[string]any{"result": loops.AllLoopsAtMax()},
		}, nil

	case "", "expression":
		expression, _ := req.Props["expression"].(string)

		evaluator, ok := req.Services[handler.ServiceEval].(*condition.Evaluator)
		if !ok {
			return nil, fmt.Errorf("expression evaluator service not injected")
		}

		env := make(map[string]any, len(req.Context.Variables)+len(req.Inputs))
		for k, v := range req.Context.Variables {
			env[k] = v
		}
		for k, v := range req.Inputs {
			env[k] = v
		}

		result, err := evaluator.Evaluate(expression, env)
		if err != nil {
			return nil, fmt.Errorf("condition evaluation failed: %w", err)
		}

		return &models.NodeOutput{
			Value: map[string]any{"result": result},
		}, nil

	default:
		return nil, fmt.Errorf("unknown condition_type: %s", conditionType)
	}
}
