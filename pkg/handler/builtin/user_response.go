package builtin

import (
	"context"
	"fmt"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// userResponseProps are the typed props of a user_response node.
type userResponseProps struct {
	Prompt string `json:"prompt" validate:"required"`
}

// UserResponseHandler raises an interactive prompt and waits for the
// answer supplied by the execution's interactive handler.
type UserResponseHandler struct{}

// NewUserResponseHandler creates the user_response handler.
func NewUserResponseHandler() *UserResponseHandler {
	return &UserResponseHandler{}
}

func (h *UserResponseHandler) RequiredServices() []string { return nil }
func (h *UserResponseHandler) PropsSchema() any           { return &userResponseProps{} }

func (h *UserResponseHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	prompt, _ := req.Props["prompt"].(string)

	answer, err := req.Context.Interactive(ctx, req.Context.NodeID, prompt)
	if err != nil {
		return nil, fmt.Errorf("interactive prompt failed: %w", err)
	}

	return &models.NodeOutput{Value: answer}, nil
}
