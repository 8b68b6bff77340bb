package ai

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/fairyhunter13/llm-chat-gateway/pkg/textx"
)

// budgetHeadroom is the share of the limit the prompt may fill.
const budgetHeadroom = 0.8

// EstimateTokens approximates tokens as ceil(runes/4).
func EstimateTokens(text string) int {
	n := textx.RuneLen(text)
	return (n + 3) / 4
}

// EnforceBudget drops the oldest messages until the estimate fits in 80% of
// limit, never dropping the newest message. It fails with ErrEmptyUserMessage
// when the newest message is not a non-blank user message. The input slice is
// not modified.
func EnforceBudget(messages []domain.ChatMessage, limit int) ([]domain.ChatMessage, error) {
	out := messages
	if limit > 0 {
		headroom := int(float64(limit) * budgetHeadroom)
		total := 0
		for _, m := range out {
			total += EstimateTokens(m.Content)
		}
		for len(out) > 1 && total > headroom {
			total -= EstimateTokens(out[0].Content)
			out = out[1:]
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("op=ai.EnforceBudget: no messages: %w", domain.ErrEmptyUserMessage)
	}
	last := out[len(out)-1]
	if last.Role != domain.RoleUser || textx.IsBlank(last.Content) {
		return nil, fmt.Errorf("op=ai.EnforceBudget: last message is not a user message with content: %w", domain.ErrEmptyUserMessage)
	}
	return append([]domain.ChatMessage(nil), out...), nil
}

// BudgetLimit picks the tighter of the configured budget and the model's
// input cap, ignoring unset values.
func BudgetLimit(configured, modelCap int) int {
	switch {
	case configured <= 0:
		return modelCap
	case modelCap <= 0:
		return configured
	case modelCap < configured:
		return modelCap
	default:
		return configured
	}
}

// codeKeywords trigger routing to the code model.
var codeKeywords = []string{"code", "function", "```", "programming"}

// DetectCodeRequest reports whether the newest message looks like a coding question.
func DetectCodeRequest(messages []domain.ChatMessage) bool {
	if len(messages) == 0 {
		return false
	}
	last := strings.ToLower(messages[len(messages)-1].Content)
	for _, kw := range codeKeywords {
		if strings.Contains(last, kw) {
			return true
		}
	}
	return false
}
