package builtin

import (
	"strings"

	"github.com/diaflow/diaflow/pkg/models"
)

// FormatConversation renders prior turns plus the current prompt into a
// single prompt string. Opponent turns are labeled with their person so
// the model can tell speakers apart; the current prompt comes last.
func FormatConversation(history []models.ConversationMessage, prompt string) string {
	if len(history) == 0 {
		return prompt
	}

	var b strings.Builder
	b.WriteString("Previous conversation:\n")
	for _, msg := range history {
		speaker := msg.Role
		if msg.PersonID != "" {
			speaker = string(msg.PersonID)
		}
		b.WriteString("[")
		b.WriteString(speaker)
		b.WriteString("]: ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(prompt)
	return b.String()
}

// AppendTurn extends a conversation with one new turn, returning the
// canonical slice form ready for a conversation-typed output.
func AppendTurn(history []models.ConversationMessage, role, content string, personID models.PersonID) []models.ConversationMessage {
	out := make([]models.ConversationMessage, 0, len(history)+1)
	out = append(out, history...)
	out = append(out, models.ConversationMessage{
		Role:     role,
		Content:  content,
		PersonID: personID,
	})
	return out
}
