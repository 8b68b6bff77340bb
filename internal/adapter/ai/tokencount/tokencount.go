// Package tokencount counts chat tokens with tiktoken-go so usage can be
// reported when the upstream omits it.
package tokencount

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// OpenAI-style chat framing: every message costs a fixed overhead and every
// reply is primed with <|start|>assistant<|message|>.
const (
	tokensPerMessage = 3
	replyPriming     = 3
)

type encoder interface {
	Encode(text string, allowedSpecial, disallowedSpecial []string) []int
}

// Counter provides thread-safe token counting for LLM models. It satisfies
// domain.UsageEstimator.
type Counter struct {
	mu            sync.RWMutex
	encodingCache map[string]encoder
	load          func(model string) (encoder, error)
}

var _ domain.UsageEstimator = (*Counter)(nil)

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]encoder),
		load:          loadTiktoken,
	}
}

func loadTiktoken(model string) (encoder, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return enc, nil
	}
	slog.Debug("falling back to cl100k_base encoding", slog.String("model", model), slog.Any("error", err))
	enc, err = tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("op=tokencount.load: %w", err)
	}
	return enc, nil
}

// encodingFor returns the cached encoder for model's family.
func (c *Counter) encodingFor(model string) (encoder, error) {
	key := normalizeModelName(model)

	c.mu.RLock()
	enc, ok := c.encodingCache[key]
	c.mu.RUnlock()
	if ok {
		return enc, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[key]; ok {
		return enc, nil
	}
	enc, err := c.load(key)
	if err != nil {
		return nil, err
	}
	c.encodingCache[key] = enc
	return enc, nil
}

// normalizeModelName maps OpenRouter-style ids to a tiktoken model name.
// Only GPT-3.5 has its own encoding; every other family is approximated with GPT-4's.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	if strings.Contains(model, "gpt-3.5") {
		return "gpt-3.5-turbo"
	}
	return "gpt-4"
}

// CountText counts the tokens of text for model.
func (c *Counter) CountText(text, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// CountMessages counts the prompt tokens of a chat request, including
// per-message framing.
func (c *Counter) CountMessages(messages []domain.ChatMessage, model string) (int, error) {
	enc, err := c.encodingFor(model)
	if err != nil {
		return 0, err
	}
	n := replyPriming
	for _, m := range messages {
		n += tokensPerMessage
		n += len(enc.Encode(string(m.Role), nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
	}
	return n, nil
}

// Estimator wraps a Counter and falls back to a four-characters-per-token
// estimate when no encoding can be loaded.
type Estimator struct {
	counter *Counter
}

var _ domain.UsageEstimator = (*Estimator)(nil)

// NewEstimator returns an estimator over counter; nil uses a fresh Counter.
func NewEstimator(counter *Counter) *Estimator {
	if counter == nil {
		counter = NewCounter()
	}
	return &Estimator{counter: counter}
}

func roughTokens(s string) int {
	r := len([]rune(s))
	return (r + 3) / 4
}

// CountText never fails.
func (e *Estimator) CountText(text, model string) (int, error) {
	n, err := e.counter.CountText(text, model)
	if err != nil {
		slog.Warn("token count failed, using estimate", slog.String("model", model), slog.Any("error", err))
		return roughTokens(text), nil
	}
	return n, nil
}

// CountMessages never fails.
func (e *Estimator) CountMessages(messages []domain.ChatMessage, model string) (int, error) {
	n, err := e.counter.CountMessages(messages, model)
	if err != nil {
		slog.Warn("token count failed, using estimate", slog.String("model", model), slog.Any("error", err))
		n = 0
		for _, m := range messages {
			n += roughTokens(m.Content)
		}
	}
	return n, nil
}
