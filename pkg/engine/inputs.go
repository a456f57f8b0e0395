package engine

import (
	"encoding/json"
	"fmt"

	"github.com/diaflow/diaflow/pkg/models"
)

// Arrow content types with coercion rules. Conversation inputs are
// validated against the canonical shape and passed through unchanged;
// object inputs decode JSON strings into maps.
const (
	contentTypeObject = "object"
	contentTypeText   = "string"
)

// resolveInputs builds the labeled input map for a node from its incoming
// forward arrows plus any pending loop input. Missing optional inputs are
// simply absent from the map; readiness rules already guarantee the
// sources are terminal.
func (r *run) resolveInputs(node *models.Node) (map[string]any, error) {
	inputs := make(map[string]any)

	for _, arrow := range r.graph.Incoming(node.ID) {
		sourceStatus := r.statuses[arrow.Source.NodeID]
		if sourceStatus != models.NodeStatusCompleted {
			continue
		}

		if !r.branchTaken(arrow) {
			continue
		}

		output := r.outputs[arrow.Source.NodeID]
		if output == nil {
			continue
		}

		value, err := coerceInput(arrow, output.Value)
		if err != nil {
			return nil, fmt.Errorf("input %s of node %s: %w", arrowLabel(arrow), node.ID, err)
		}

		inputs[arrowLabel(arrow)] = value
	}

	// A fired back-edge overrides the default input with the loop value.
	if loopValue, ok := r.loopInputs[node.ID]; ok {
		inputs[models.DefaultInputHandle] = loopValue
		delete(r.loopInputs, node.ID)
	}

	return inputs, nil
}

// arrowLabel returns the label inputs are keyed by.
func arrowLabel(arrow *models.Arrow) string {
	if arrow.Label != "" {
		return arrow.Label
	}
	if arrow.Target.Handle != "" && arrow.Target.Handle != models.DefaultInputHandle {
		return arrow.Target.Handle
	}
	return models.DefaultInputHandle
}

// coerceInput applies the arrow's declared content type to the value.
func coerceInput(arrow *models.Arrow, value any) (any, error) {
	switch arrow.ContentType {
	case models.ContentTypeConversation:
		conversation, err := models.AsConversation(value)
		if err != nil {
			return nil, err
		}
		return conversation, nil

	case contentTypeObject:
		if s, ok := value.(string); ok {
			var decoded map[string]any
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, fmt.Errorf("object input is not valid JSON: %w", err)
			}
			return decoded, nil
		}
		return value, nil

	case contentTypeText:
		if value == nil {
			return "", nil
		}
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil

	default:
		return value, nil
	}
}

// branchTaken reports whether a completed branch arrow carries data. For
// arrows leaving a condition node's true/false handles, the condition's
// boolean output selects exactly one branch; everything else always
// carries.
func (r *run) branchTaken(arrow *models.Arrow) bool {
	source := r.graph.Node(arrow.Source.NodeID)
	if source == nil || source.Type != models.NodeTypeCondition {
		return true
	}

	handle := arrow.Source.Handle
	if handle != models.ConditionHandleTrue && handle != models.ConditionHandleFalse {
		return true
	}

	output := r.outputs[source.ID]
	if output == nil {
		return false
	}

	result := conditionResult(output.Value)
	if handle == models.ConditionHandleTrue {
		return result
	}
	return !result
}

// conditionResult extracts the boolean decision from a condition node's
// output value.
func conditionResult(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case map[string]any:
		if result, ok := v["result"].(bool); ok {
			return result
		}
	}
	return false
}
