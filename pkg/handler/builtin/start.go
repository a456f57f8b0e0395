// Package builtin provides the built-in node handlers: start, endpoint,
// condition, code_job, api_job, db, person_job, sub_diagram, and
// user_response. Custom handlers register alongside these.
package builtin

import (
	"context"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// StartHandler begins an execution. Its output seeds downstream inputs
// with the execution variables plus any custom data declared on the node.
type StartHandler struct{}

// NewStartHandler creates the start handler.
func NewStartHandler() *StartHandler {
	return &StartHandler{}
}

func (h *StartHandler) RequiredServices() []string { return nil }
func (h *StartHandler) PropsSchema() any           { return nil }

func (h *StartHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	value := make(map[string]any, len(req.Context.Variables))
	for k, v := range req.Context.Variables {
		value[k] = v
	}

	if custom, ok := req.Props["custom_data"].(map[string]any); ok {
		for k, v := range custom {
			value[k] = v
		}
	}

	return &models.NodeOutput{Value: value}, nil
}
