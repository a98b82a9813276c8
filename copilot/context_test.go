package copilot

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssembleContext(t *testing.T) {
	summary := "The user likes Go."
	blank := "  \n"

	testCases := []struct {
		name     string
		summary  *string
		expected []openai.ChatCompletionMessage
	}{
		{
			name:    "with summary",
			summary: &summary,
			expected: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Be helpful."},
				{
					Role:    openai.ChatMessageRoleUser,
					Content: "Previous conversation context: The user likes Go.",
				},
				{Role: openai.ChatMessageRoleUser, Content: "hello"},
			},
		},
		{
			name:    "nil summary",
			summary: nil,
			expected: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Be helpful."},
				{Role: openai.ChatMessageRoleUser, Content: "hello"},
			},
		},
		{
			name:    "blank summary",
			summary: &blank,
			expected: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleSystem, Content: "Be helpful."},
				{Role: openai.ChatMessageRoleUser, Content: "hello"},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				messages := AssembleContext("Be helpful.", tc.summary, "hello")
				require.Len(t, messages, len(tc.expected))
				assert.Equal(t, tc.expected, messages)
			},
		)
	}
}

func TestAssembleContext_MessageUnchanged(t *testing.T) {
	message := "  <@123> what's up?\n"
	messages := AssembleContext("", nil, message)
	require.Len(t, messages, 2)
	assert.Equal(t, "", messages[0].Content)
	assert.Equal(t, message, messages[1].Content)
}
