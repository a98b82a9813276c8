package copilot

import (
	"strings"

	"github.com/sashabaranov/go-openai"
)

const priorContextPrefix = "Previous conversation context: "

// AssembleContext builds the prompt for a reply: the system instructions,
// then the prior conversation summary (omitted when nil or blank), then
// the user's message. The order is never changed.
func AssembleContext(
	instructions string,
	summary *string,
	message string,
) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, 3)
	messages = append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: instructions,
		},
	)
	if summary != nil && strings.TrimSpace(*summary) != "" {
		messages = append(
			messages,
			openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: priorContextPrefix + *summary,
			},
		)
	}
	return append(
		messages,
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: message,
		},
	)
}
