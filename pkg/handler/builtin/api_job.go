package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/itchyny/gojq"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// apiJobProps are the typed props of an api_job node.
type apiJobProps struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers map[string]string `json:"headers"`
	JQ      string            `json:"jq"`
}

// APIJobHandler performs an HTTP request. JSON responses decode into
// maps; an optional jq expression extracts the interesting part.
type APIJobHandler struct{}

// NewAPIJobHandler creates the api_job handler.
func NewAPIJobHandler() *APIJobHandler {
	return &APIJobHandler{}
}

func (h *APIJobHandler) RequiredServices() []string { return []string{handler.ServiceHTTP} }
func (h *APIJobHandler) PropsSchema() any           { return &apiJobProps{} }

func (h *APIJobHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	client, ok := req.Services[handler.ServiceHTTP].(*http.Client)
	if !ok {
		client = http.DefaultClient
	}

	url, _ := req.Props["url"].(string)
	method, _ := req.Props["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := req.Props["body"]; ok && raw != nil {
		switch v := raw.(type) {
		case string:
			body = bytes.NewReader([]byte(v))
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if headers, ok := req.Props["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				httpReq.Header.Set(key, s)
			}
		}
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("request returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		decoded = string(data)
	}

	if jqExpr, _ := req.Props["jq"].(string); jqExpr != "" {
		extracted, err := applyJQ(ctx, jqExpr, decoded)
		if err != nil {
			return nil, err
		}
		decoded = extracted
	}

	return &models.NodeOutput{
		Value: decoded,
		Metadata: map[string]any{
			"status_code": resp.StatusCode,
		},
	}, nil
}

// applyJQ runs a jq expression over the decoded response and returns the
// first result.
func applyJQ(ctx context.Context, expression string, value any) (any, error) {
	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}

	iter := query.RunWithContext(ctx, value)
	result, ok := iter.Next()
	if !ok {
		return nil, nil
	}
	if err, isErr := result.(error); isErr {
		return nil, fmt.Errorf("jq evaluation failed: %w", err)
	}

	return result, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
