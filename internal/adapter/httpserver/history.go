package httpserver

import (
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/fairyhunter13/llm-chat-gateway/pkg/textx"
)

// TrimHistory keeps the newest messages whose combined content fits maxChars
// runes. Messages are never split and the newest one is always kept.
func TrimHistory(messages []domain.ChatMessage, maxChars int) []domain.ChatMessage {
	if maxChars <= 0 || len(messages) == 0 {
		return messages
	}
	total := 0
	start := len(messages) - 1
	total += textx.RuneLen(messages[start].Content)
	for i := start - 1; i >= 0; i-- {
		n := textx.RuneLen(messages[i].Content)
		if total+n > maxChars {
			break
		}
		total += n
		start = i
	}
	out := make([]domain.ChatMessage, len(messages)-start)
	copy(out, messages[start:])
	return out
}
