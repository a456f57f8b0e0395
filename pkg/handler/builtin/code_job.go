package builtin

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// codeJobProps are the typed props of a code_job node.
type codeJobProps struct {
	Code string `json:"code" validate:"required"`
}

// CodeJobHandler runs a sandboxed expression program over the node's
// inputs and variables. The environment holds data values only, so the
// program cannot reach the filesystem, the network, or arbitrary code.
type CodeJobHandler struct{}

// NewCodeJobHandler creates the code_job handler.
func NewCodeJobHandler() *CodeJobHandler {
	return &CodeJobHandler{}
}

func (h *CodeJobHandler) RequiredServices() []string { return nil }
func (h *CodeJobHandler) PropsSchema() any           { return &codeJobProps{} }

func (h *CodeJobHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	code, _ := req.Props["code"].(string)

	env := map[string]any{
		"input":     req.FirstInput(),
		"inputs":    req.Inputs,
		"variables": req.Context.Variables,
	}

	program, err := expr.Compile(code, expr.Env(env))
	if err != nil {
		return nil, fmt.Errorf("failed to compile code: %w", err)
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("code execution failed: %w", err)
	}

	return &models.NodeOutput{Value: result}, nil
}
