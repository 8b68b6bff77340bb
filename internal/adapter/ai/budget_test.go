package ai

import (
	"strings"
	"testing"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(role domain.Role, content string) domain.ChatMessage {
	return domain.ChatMessage{Role: role, Content: content}
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 1, EstimateTokens("héé"))
}

func TestEnforceBudget_DropsOldestFirst(t *testing.T) {
	big := strings.Repeat("x", 400) // 100 tokens
	in := []domain.ChatMessage{
		msg(domain.RoleSystem, big),
		msg(domain.RoleUser, big),
		msg(domain.RoleAssistant, big),
		msg(domain.RoleUser, "latest question"),
	}
	// headroom 160 tokens: only the last two fit
	out, err := EnforceBudget(in, 200)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, domain.RoleAssistant, out[0].Role)
	assert.Equal(t, "latest question", out[1].Content)
	assert.Len(t, in, 4, "input must not be modified")
}

func TestEnforceBudget_OrderPreservedAndWithinHeadroom(t *testing.T) {
	var in []domain.ChatMessage
	for i := 0; i < 20; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		in = append(in, msg(role, strings.Repeat("y", 40*(i+1))))
	}
	in = append(in, msg(domain.RoleUser, "final"))

	out, err := EnforceBudget(in, 1000)
	require.NoError(t, err)
	total := 0
	for _, m := range out {
		total += EstimateTokens(m.Content)
	}
	assert.LessOrEqual(t, total, 800)
	assert.Equal(t, in[len(in)-len(out):], out)
}

func TestEnforceBudget_NeverDropsNewestMessage(t *testing.T) {
	huge := strings.Repeat("z", 10_000)
	out, err := EnforceBudget([]domain.ChatMessage{msg(domain.RoleUser, "old"), msg(domain.RoleUser, huge)}, 100)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, huge, out[0].Content)
}

func TestEnforceBudget_EmptyUserMessage(t *testing.T) {
	tests := []struct {
		name string
		in   []domain.ChatMessage
	}{
		{"no messages", nil},
		{"last is assistant", []domain.ChatMessage{msg(domain.RoleUser, "hi"), msg(domain.RoleAssistant, "hello")}},
		{"blank user", []domain.ChatMessage{msg(domain.RoleUser, "  \n ")}},
		{"only format characters", []domain.ChatMessage{msg(domain.RoleUser, "​‍")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EnforceBudget(tt.in, 4000)
			assert.ErrorIs(t, err, domain.ErrEmptyUserMessage)
		})
	}
}

func TestEnforceBudget_NoLimit(t *testing.T) {
	in := []domain.ChatMessage{msg(domain.RoleUser, strings.Repeat("a", 100_000))}
	out, err := EnforceBudget(in, 0)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestBudgetLimit(t *testing.T) {
	assert.Equal(t, 4000, BudgetLimit(4000, 128_000))
	assert.Equal(t, 2000, BudgetLimit(4000, 2000))
	assert.Equal(t, 32_768, BudgetLimit(0, 32_768))
	assert.Equal(t, 4000, BudgetLimit(4000, 0))
	assert.Equal(t, 0, BudgetLimit(0, 0))
}

func TestDetectCodeRequest(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"Write a FUNCTION that adds numbers", true},
		{"here is my code", true},
		{"```go\nfmt.Println()\n```", true},
		{"I like programming", true},
		{"what's the weather", false},
	}
	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectCodeRequest([]domain.ChatMessage{msg(domain.RoleUser, tt.content)}))
		})
	}
	assert.False(t, DetectCodeRequest(nil))
	// only the newest message counts
	assert.False(t, DetectCodeRequest([]domain.ChatMessage{msg(domain.RoleUser, "code"), msg(domain.RoleUser, "thanks")}))
}
