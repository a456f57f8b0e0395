package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// endpointProps are the typed props of an endpoint node.
type endpointProps struct {
	SaveToFile bool   `json:"save_to_file"`
	FilePath   string `json:"file_path" validate:"required_with=SaveToFile"`
}

// EndpointHandler terminates a branch. It passes its input through and can
// optionally persist the result as JSON under the files service root.
type EndpointHandler struct{}

// NewEndpointHandler creates the endpoint handler.
func NewEndpointHandler() *EndpointHandler {
	return &EndpointHandler{}
}

func (h *EndpointHandler) RequiredServices() []string { return []string{handler.ServiceFiles} }
func (h *EndpointHandler) PropsSchema() any           { return &endpointProps{} }

func (h *EndpointHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	value := req.FirstInput()

	saveToFile, _ := req.Props["save_to_file"].(bool)
	if saveToFile {
		filePath, _ := req.Props["file_path"].(string)
		if filePath == "" {
			return nil, fmt.Errorf("save_to_file requires file_path")
		}

		baseDir, _ := req.Services[handler.ServiceFiles].(string)
		target := filepath.Join(baseDir, filepath.Clean(filePath))

		data, err := json.MarshalIndent(value, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode result: %w", err)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create result directory: %w", err)
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return nil, fmt.Errorf("failed to write result: %w", err)
		}
	}

	return &models.NodeOutput{Value: value}, nil
}
