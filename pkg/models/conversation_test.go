package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAsConversation_CanonicalSlice(t *testing.T) {
	t.Parallel()

	in := []ConversationMessage{{Role: RoleUser, Content: "hi"}}
	out, err := AsConversation(in)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestAsConversation_DecodedForm(t *testing.T) {
	t.Parallel()

	out, err := AsConversation([]any{
		map[string]any{"role": "user", "content": "hi"},
		map[string]any{"role": "assistant", "content": "hello", "person_id": "p1"},
	})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, PersonID("p1"), out[1].PersonID)
}

func TestAsConversation_Nil(t *testing.T) {
	t.Parallel()

	out, err := AsConversation(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestAsConversation_RejectsOtherShapes(t *testing.T) {
	t.Parallel()

	_, err := AsConversation("just text")
	assert.ErrorIs(t, err, ErrInvalidConversation)

	_, err = AsConversation([]any{"not a message"})
	assert.ErrorIs(t, err, ErrInvalidConversation)

	_, err = AsConversation([]any{map[string]any{"role": "user"}})
	assert.ErrorIs(t, err, ErrInvalidConversation, "missing content must be rejected")
}
