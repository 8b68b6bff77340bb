package ai

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// Param names an optional request parameter a model may not accept.
type Param string

const (
	ParamFrequencyPenalty Param = "frequency_penalty"
	ParamPresencePenalty  Param = "presence_penalty"
	ParamTopP             Param = "top_p"
	ParamTools            Param = "tools"
	ParamJSONMode         Param = "json_mode"
	ParamStream           Param = "stream"
	ParamTemperature      Param = "temperature"
	ParamMaxOutputTokens  Param = "max_output_tokens"
)

// ModelCapability describes what a model accepts. A parameter missing from
// Supports is assumed supported.
type ModelCapability struct {
	Supports       map[Param]bool `yaml:"supports"`
	MaxInputTokens int            `yaml:"max_input_tokens"`
}

// Allows reports whether p may be sent.
func (c ModelCapability) Allows(p Param) bool {
	v, ok := c.Supports[p]
	return !ok || v
}

// CapabilityTable maps model ids to capabilities.
type CapabilityTable struct {
	mu     sync.RWMutex
	models map[string]ModelCapability
}

// DefaultCapabilities returns the built-in table.
func DefaultCapabilities() *CapabilityTable {
	return &CapabilityTable{models: map[string]ModelCapability{
		"gpt-4o-mini": {
			Supports: map[Param]bool{
				ParamFrequencyPenalty: true, ParamPresencePenalty: true, ParamTopP: true,
				ParamTools: true, ParamJSONMode: true, ParamStream: true,
			},
			MaxInputTokens: 128_000,
		},
		"qwen-small": {
			Supports: map[Param]bool{
				ParamFrequencyPenalty: false, ParamPresencePenalty: false, ParamTopP: true,
				ParamTools: false, ParamJSONMode: false, ParamStream: true,
			},
			MaxInputTokens: 32_768,
		},
	}}
}

// LoadCapabilities merges a YAML file of the form
//
//	models:
//	  some/model:
//	    supports: {tools: false}
//	    max_input_tokens: 8192
//
// over the built-in table. An empty path returns the defaults.
func LoadCapabilities(path string) (*CapabilityTable, error) {
	t := DefaultCapabilities()
	if path == "" {
		return t, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=ai.LoadCapabilities: %w", err)
	}
	var doc struct {
		Models map[string]ModelCapability `yaml:"models"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("op=ai.LoadCapabilities: %w", err)
	}
	for id, c := range doc.Models {
		t.Set(id, c)
	}
	return t, nil
}

// Set replaces the capability entry for a model.
func (t *CapabilityTable) Set(model string, c ModelCapability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.models[model] = c
}

// Lookup returns the capability for model. Provider-prefixed ids such as
// "openai/gpt-4o-mini" fall back to their bare name. Unknown models allow everything.
func (t *CapabilityTable) Lookup(model string) ModelCapability {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if c, ok := t.models[model]; ok {
		return c
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		bare := strings.SplitN(model[i+1:], ":", 2)[0]
		if c, ok := t.models[bare]; ok {
			return c
		}
	}
	return ModelCapability{}
}

// wireMessage is the upstream message shape.
type wireMessage struct {
	Role       domain.Role `json:"role"`
	Content    string      `json:"content"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// wireRequest is the upstream chat-completions body. Unset fields are omitted.
type wireRequest struct {
	Model            string           `json:"model"`
	Messages         []wireMessage    `json:"messages"`
	Temperature      *float64         `json:"temperature,omitempty"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	ResponseFormat   map[string]any   `json:"response_format,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
	Tools            []map[string]any `json:"tools,omitempty"`
	ToolChoice       any              `json:"tool_choice,omitempty"`
}

func toolChoiceValue(tc domain.ToolChoice) any {
	switch tc {
	case "":
		return nil
	case "auto", "none", "required":
		return string(tc)
	default:
		return map[string]any{"type": "function", "function": map[string]string{"name": string(tc)}}
	}
}

// Sanitize builds the upstream body for model, dropping parameters the model
// does not accept. Stream is forced off for models that cannot stream.
func (t *CapabilityTable) Sanitize(model string, req domain.ChatRequest, messages []domain.ChatMessage) wireRequest {
	caps := t.Lookup(model)
	out := wireRequest{
		Model:    model,
		Messages: make([]wireMessage, 0, len(messages)),
		Stream:   req.Stream && caps.Allows(ParamStream),
	}
	for _, m := range messages {
		out.Messages = append(out.Messages, wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID})
	}
	if caps.Allows(ParamMaxOutputTokens) {
		out.MaxTokens = req.MaxTokens
	}
	if caps.Allows(ParamTemperature) {
		out.Temperature = req.Temperature
	}
	if caps.Allows(ParamTopP) {
		out.TopP = req.TopP
	}
	if caps.Allows(ParamFrequencyPenalty) {
		out.FrequencyPenalty = req.FrequencyPenalty
	}
	if caps.Allows(ParamPresencePenalty) {
		out.PresencePenalty = req.PresencePenalty
	}
	if req.JSONMode && caps.Allows(ParamJSONMode) {
		out.ResponseFormat = map[string]any{"type": "json_object"}
	}
	if len(req.Tools) > 0 && caps.Allows(ParamTools) {
		out.Tools = req.Tools
		out.ToolChoice = toolChoiceValue(req.ToolChoice)
	}
	return out
}
