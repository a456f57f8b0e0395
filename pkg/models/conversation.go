package models

import (
	"fmt"
)

// ContentTypeConversation marks an arrow as carrying conversation history.
// Inputs of this type are passed through the engine unchanged and formatted
// by the receiving handler.
const ContentTypeConversation = "conversation"

// ConversationMessage is the canonical conversation turn shape. Any other
// shape arriving on a conversation-typed input is rejected.
type ConversationMessage struct {
	Role     string   `json:"role"`
	Content  string   `json:"content"`
	PersonID PersonID `json:"person_id,omitempty"`
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// AsConversation coerces a node output value into the canonical
// conversation shape. Accepted forms are []ConversationMessage and the
// JSON-decoded []any of maps with role/content keys.
func AsConversation(v any) ([]ConversationMessage, error) {
	switch msgs := v.(type) {
	case nil:
		return nil, nil
	case []ConversationMessage:
		return msgs, nil
	case []any:
		out := make([]ConversationMessage, 0, len(msgs))
		for i, raw := range msgs {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: element %d is %T, expected object", ErrInvalidConversation, i, raw)
			}
			role, _ := m["role"].(string)
			content, _ := m["content"].(string)
			if role == "" || content == "" {
				return nil, fmt.Errorf("%w: element %d missing role or content", ErrInvalidConversation, i)
			}
			msg := ConversationMessage{Role: role, Content: content}
			if pid, ok := m["person_id"].(string); ok {
				msg.PersonID = PersonID(pid)
			}
			out = append(out, msg)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrInvalidConversation, v)
	}
}
