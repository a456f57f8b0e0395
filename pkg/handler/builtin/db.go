package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// dbProps are the typed props of a db node.
type dbProps struct {
	Operation string `json:"operation" validate:"required,oneof=read write append"`
	SubType   string `json:"sub_type" validate:"omitempty,oneof=file json"`
	File      string `json:"file" validate:"required"`
}

// DBHandler reads and writes files under the files service root. JSON
// sub-type round-trips structured values; file sub-type moves raw text.
type DBHandler struct{}

// NewDBHandler creates the db handler.
func NewDBHandler() *DBHandler {
	return &DBHandler{}
}

func (h *DBHandler) RequiredServices() []string { return []string{handler.ServiceFiles} }
func (h *DBHandler) PropsSchema() any           { return &dbProps{} }

func (h *DBHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	operation, _ := req.Props["operation"].(string)
	subType, _ := req.Props["sub_type"].(string)
	if subType == "" {
		subType = "json"
	}

	file, _ := req.Props["file"].(string)
	baseDir, _ := req.Services[handler.ServiceFiles].(string)
	target := filepath.Join(baseDir, filepath.Clean(file))

	if rel, err := filepath.Rel(baseDir, target); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("file path escapes storage root: %s", file)
	}

	switch operation {
	case "read":
		data, err := os.ReadFile(target)
		if err != nil {
			if os.IsNotExist(err) {
				return &models.NodeOutput{Value: nil}, nil
			}
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}

		if subType == "json" {
			var decoded any
			if err := json.Unmarshal(data, &decoded); err != nil {
				return nil, fmt.Errorf("%s is not valid JSON: %w", file, err)
			}
			return &models.NodeOutput{Value: decoded}, nil
		}
		return &models.NodeOutput{Value: string(data)}, nil

	case "write", "append":
		value := req.FirstInput()

		var data []byte
		if subType == "json" {
			encoded, err := json.MarshalIndent(value, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to encode value: %w", err)
			}
			data = encoded
		} else {
			data = []byte(fmt.Sprintf("%v", value))
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}

		if operation == "append" {
			f, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to open %s: %w", file, err)
			}
			defer f.Close()

			if _, err := f.Write(append(data, '\n')); err != nil {
				return nil, fmt.Errorf("failed to append to %s: %w", file, err)
			}
		} else {
			if err := os.WriteFile(target, data, 0o644); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", file, err)
			}
		}

		return &models.NodeOutput{Value: value}, nil

	default:
		return nil, fmt.Errorf("unknown operation: %s", operation)
	}
}
