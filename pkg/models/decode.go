package models

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeDiagram decodes a normalized diagram from its JSON or YAML wire
// form. This is not an authoring format: loaders hand the engine an
// already-normalized graph, and this is its serialization.
func DecodeDiagram(data []byte) (*Diagram, error) {
	var diagram Diagram

	if err := json.Unmarshal(data, &diagram); err == nil {
		return &diagram, nil
	}

	// YAML input goes through an intermediate map so the JSON field names
	// stay the single source of truth for key spelling.
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: not valid JSON or YAML: %v", ErrInvalidDiagram, err)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDiagram, err)
	}

	if err := json.Unmarshal(encoded, &diagram); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDiagram, err)
	}

	return &diagram, nil
}
