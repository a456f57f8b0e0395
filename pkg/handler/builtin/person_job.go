package builtin

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/diaflow/diaflow/pkg/handler"
	"github.com/diaflow/diaflow/pkg/models"
)

// ChatClient is the slice of the OpenAI client person jobs use; tests
// substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// personJobProps are the typed props of a person_job node.
type personJobProps struct {
	Person          string `json:"person"`
	DefaultPrompt   string `json:"default_prompt"`
	FirstOnlyPrompt string `json:"first_only_prompt"`
	MaxIterations   int    `json:"max_iterations" validate:"omitempty,min=0"`
}

// PersonJobHandler runs one LLM agent turn. The first iteration uses the
// first-only prompt when declared; later iterations fall back to the
// default prompt. Conversation-typed inputs are prepended to the prompt,
// and the reply extends the conversation for downstream nodes.
type PersonJobHandler struct {
	persons map[models.PersonID]*models.Person
}

// NewPersonJobHandler creates a person_job handler bound to the diagram's
// person configurations.
func NewPersonJobHandler(persons map[models.PersonID]*models.Person) *PersonJobHandler {
	return &PersonJobHandler{persons: persons}
}

func (h *PersonJobHandler) RequiredServices() []string { return []string{handler.ServiceLLM} }
func (h *PersonJobHandler) PropsSchema() any           { return &personJobProps{} }

func (h *PersonJobHandler) Execute(ctx context.Context, req *handler.Request) (*models.NodeOutput, error) {
	client, ok := req.Services[handler.ServiceLLM].(ChatClient)
	if !ok {
		return nil, fmt.Errorf("llm service not injected")
	}

	person := h.resolvePerson(req)

	prompt, err := h.pickPrompt(req)
	if err != nil {
		return nil, err
	}

	history := h.conversationInput(req)

	messages := []openai.ChatCompletionMessage{}
	if person != nil && person.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: person.SystemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: FormatConversation(history, prompt),
	})

	model := openai.GPT4oMini
	if person != nil && person.Model != "" {
		model = person.Model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if person != nil && person.Temperature != nil {
		chatReq.Temperature = float32(*person.Temperature)
	}

	resp, err := client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion returned no choices")
	}
	content := resp.Choices[0].Message.Content

	req.Context.Emit(models.EventTypeLLMToken, map[string]any{
		"content": content,
	})

	var personID models.PersonID
	if person != nil {
		personID = person.ID
	}

	return &models.NodeOutput{
		Value: content,
		Metadata: map[string]any{
			models.MetadataTokenUsageKey: &models.TokenUsage{
				Input:  resp.Usage.PromptTokens,
				Output: resp.Usage.CompletionTokens,
				Total:  resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
			},
			"conversation": AppendTurn(history, models.RoleAssistant, content, personID),
			"model":        model,
		},
	}, nil
}

func (h *PersonJobHandler) resolvePerson(req *handler.Request) *models.Person {
	ref, _ := req.Props["person"].(string)
	if ref == "" {
		return nil
	}
	return h.persons[models.PersonID(ref)]
}

// pickPrompt selects first-only vs default prompt based on the node's
// iteration count.
func (h *PersonJobHandler) pickPrompt(req *handler.Request) (string, error) {
	firstOnly, _ := req.Props["first_only_prompt"].(string)
	defaultPrompt, _ := req.Props["default_prompt"].(string)

	iteration := 0
	if loops, ok := req.Services["loops"].(LoopStatus); ok {
		iteration = loops.IterationCount(req.Context.NodeID)
	}

	if iteration == 0 && firstOnly != "" {
		return firstOnly, nil
	}
	if defaultPrompt != "" {
		return defaultPrompt, nil
	}
	if firstOnly != "" {
		// First-only prompt consumed and nothing to fall back to; the
		// skip rules normally prevent this dispatch.
		return "", fmt.Errorf("first-only prompt already consumed")
	}

	return "", fmt.Errorf("person_job requires default_prompt or first_only_prompt")
}

// conversationInput collects conversation-typed inputs into one history.
func (h *PersonJobHandler) conversationInput(req *handler.Request) []models.ConversationMessage {
	var history []models.ConversationMessage
	for _, value := range req.Inputs {
		if msgs, err := models.AsConversation(value); err == nil && len(msgs) > 0 {
			history = append(history, msgs...)
		}
	}
	return history
}
