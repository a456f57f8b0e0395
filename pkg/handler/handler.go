// Package handler defines the contract node implementations satisfy and
// the process-wide registry that maps node types to handlers.
//
// Handlers receive resolved props, labeled inputs, and an execution
// context. They return a NodeOutput that the engine commits; they never
// mutate execution state directly.
package handler

import (
	"context"

	"github.com/diaflow/diaflow/pkg/models"
)

// Services is the injected dependency set. Handlers declare what they need
// by name via RequiredServices; the engine builds the set at startup.
type Services map[string]any

// Well-known service names.
const (
	ServiceLLM     = "llm"
	ServiceHTTP    = "http"
	ServiceFiles   = "files"
	ServiceEngine  = "engine"
	ServiceEval    = "eval"
)

// EmitFunc pushes a progress event (node_update, llm_token,
// interactive_prompt) into the execution's event stream. The engine
// assigns sequence numbers and timestamps.
type EmitFunc func(eventType models.EventType, data map[string]any)

// InteractiveHandler answers interactive prompts raised by handlers, e.g.
// a user_response node waiting for CLI input.
type InteractiveHandler func(ctx context.Context, nodeID models.NodeID, prompt string) (string, error)

// Context is what a handler sees of the running execution. Variables is a
// read-only snapshot; mutation goes through node outputs.
type Context struct {
	ExecutionID models.ExecutionID
	NodeID      models.NodeID
	Variables   map[string]any
	Emit        EmitFunc
	Interactive InteractiveHandler
}

// Request bundles everything a handler needs for one node run.
type Request struct {
	Node     *models.Node
	Props    map[string]any
	Inputs   map[string]any
	Context  *Context
	Services Services
}

// Input returns a labeled input value, or nil when the label is absent.
func (r *Request) Input(label string) any {
	if r.Inputs == nil {
		return nil
	}
	return r.Inputs[label]
}

// FirstInput returns the input under the default label when present;
// otherwise it returns one of the other inputs (an arbitrary one when
// several are present), or nil when there are none.
func (r *Request) FirstInput() any {
	if v, ok := r.Inputs[models.DefaultInputHandle]; ok {
		return v
	}
	for _, v := range r.Inputs {
		return v
	}
	return nil
}

// Handler is the interface all node implementations satisfy.
type Handler interface {
	// RequiredServices lists the service names the engine must inject.
	RequiredServices() []string

	// PropsSchema returns a validator-tagged struct prototype describing
	// the node's typed props, or nil for freeform props. The registry
	// decodes node data into a fresh copy and validates it before the
	// handler runs.
	PropsSchema() any

	// Execute runs the node. Implementations must honor ctx cancellation
	// at their suspension points.
	Execute(ctx context.Context, req *Request) (*models.NodeOutput, error)
}

// Func adapts a plain function into a Handler with no services and
// freeform props.
type Func func(ctx context.Context, req *Request) (*models.NodeOutput, error)

func (f Func) RequiredServices() []string { return nil }
func (f Func) PropsSchema() any           { return nil }
func (f Func) Execute(ctx context.Context, req *Request) (*models.NodeOutput, error) {
	return f(ctx, req)
}
