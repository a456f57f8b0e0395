package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/diaflow/diaflow/pkg/engine"
	"github.com/diaflow/diaflow/pkg/graph"
	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// SubDiagramHandler executes a nested diagram through the injected engine
// and returns its endpoint outputs. The child execution streams its own
// events; the parent node completes when the child reaches a terminal
// status.
type SubDiagramHandler struct{}

// NewSubDiagramHandler creates the sub_diagram handler.
func NewSubDiagramHandler() *SubDiagramHandler {
	return &SubDiagramHandler{}
}

func (h *SubDiagramHandler) RequiredServices() []string { return []string{handler.ServiceEngine} }
func (h *SubDiagramHandler) PropsSchema() any           { return nil }

func (h *SubDiagramHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	eng, ok := req.Services[handler.ServiceEngine].(*engine.Engine)
	if !ok {
		return nil, fmt.Errorf("engine service not injected")
	}

	diagram, err := h.decodeDiagram(req.Props["diagram"])
	if err != nil {
		return nil, err
	}

	g, err := graph.Build(diagram)
	if err != nil {
		return nil, fmt.Errorf("sub-diagram validation failed: %w", err)
	}

	variables := make(map[string]any, len(req.Context.Variables)+len(req.Inputs))
	for k, v := range req.Context.Variables {
		variables[k] = v
	}
	for k, v := range req.Inputs {
		variables[k] = v
	}

	childID, stream, err := eng.Execute(ctx, g, &engine.ExecutionOptions{
		Variables: variables,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start sub-diagram: %w", err)
	}

	for event := range stream {
		select {
		case <-ctx.Done():
			eng.Cancel(childID)
			// Keep draining so the child shuts down cleanly.
		default:
		}

		req.Context.Emit(models.EventTypeNodeUpdate, map[string]any{
			"sub_execution_id": string(childID),
			"sub_event":        string(event.Type),
			"sub_node_id":      string(event.NodeID),
		})
	}

	state, err := eng.GetExecutionState(ctx, childID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sub-diagram state: %w", err)
	}

	if state.Status != models.ExecutionStatusCompleted {
		return nil, fmt.Errorf("sub-diagram ended %s: %s", state.Status, state.Error)
	}

	return &models.NodeOutput{
		Value: h.endpointOutputs(g, state),
		Metadata: map[string]any{
			"sub_execution_id":           string(childID),
			models.MetadataTokenUsageKey: &state.TokenUsage,
		},
	}, nil
}

func (h *SubDiagramHandler) decodeDiagram(raw any) (*models.Diagram, error) {
	switch v := raw.(type) {
	case *models.Diagram:
		return v, nil
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid sub-diagram: %w", err)
		}
		var diagram models.Diagram
		if err := json.Unmarshal(data, &diagram); err != nil {
			return nil, fmt.Errorf("invalid sub-diagram: %w", err)
		}
		return &diagram, nil
	default:
		return nil, fmt.Errorf("sub_diagram requires a diagram prop, got %T", raw)
	}
}

// endpointOutputs collects the child's endpoint node outputs, keyed by
// node ID; with a single endpoint the bare value is returned.
func (h *SubDiagramHandler) endpointOutputs(g *graph.Graph, state *models.ExecutionState) any {
	outputs := map[string]any{}
	for _, node := range g.Nodes() {
		if node.Type != models.NodeTypeEndpoint {
			continue
		}
		if output, ok := state.NodeOutputs[node.ID]; ok {
			outputs[string(node.ID)] = output.Value
		}
	}

	if len(outputs) == 1 {
		for _, v := range outputs {
			return v
		}
	}
	return outputs
}
