package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("not found")
	ErrNetwork          = errors.New("network error")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrRateLimit        = errors.New("rate limited")
	ErrServer           = errors.New("upstream server error")
	ErrClient           = errors.New("upstream rejected request")
	ErrNoCredentials    = errors.New("no usable credentials")
	ErrEmptyUserMessage = errors.New("empty user message")
	ErrStreamAborted    = errors.New("stream aborted")
	ErrAborted          = errors.New("request aborted")
)

// ErrorClass is the failure bucket every upstream error is sorted into.
// It drives retry, cooldown and user-facing message selection.
type ErrorClass string

const (
	ClassNetwork          ErrorClass = "NETWORK"
	ClassUnauthorized     ErrorClass = "UNAUTHORIZED"
	ClassRateLimit        ErrorClass = "RATE_LIMIT"
	ClassServer           ErrorClass = "SERVER"
	ClassClient           ErrorClass = "CLIENT"
	ClassNoCredentials    ErrorClass = "NO_CREDENTIALS"
	ClassEmptyUserMessage ErrorClass = "EMPTY_USER_MESSAGE"
	ClassStreamAborted    ErrorClass = "STREAM_ABORTED"
	ClassAborted          ErrorClass = "ABORTED"
)

// Sentinel returns the sentinel error matching the class.
func (c ErrorClass) Sentinel() error {
	switch c {
	case ClassNetwork:
		return ErrNetwork
	case ClassUnauthorized:
		return ErrUnauthorized
	case ClassRateLimit:
		return ErrRateLimit
	case ClassServer:
		return ErrServer
	case ClassClient:
		return ErrClient
	case ClassNoCredentials:
		return ErrNoCredentials
	case ClassEmptyUserMessage:
		return ErrEmptyUserMessage
	case ClassStreamAborted:
		return ErrStreamAborted
	case ClassAborted:
		return ErrAborted
	default:
		return ErrNetwork
	}
}

// Role of a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ChatMessage is a single turn of a conversation.
type ChatMessage struct {
	Role       Role   `json:"role" validate:"required,oneof=system user assistant tool"`
	Content    string `json:"content" validate:"max=200000"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolChoice is "auto", "none", "required" or the name of a function to force.
type ToolChoice string

// Profile carries per-caller model preferences.
type Profile struct {
	Model     string `json:"model,omitempty"`
	CodeModel string `json:"code_model,omitempty"`
}

// ChatRequest is the caller-facing request for one completion.
// Nil pointer fields are omitted from the upstream body.
type ChatRequest struct {
	Model            string
	Messages         []ChatMessage
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	JSONMode         bool
	Stream           bool
	Tools            []map[string]any
	ToolChoice       ToolChoice
	// IsCodeRequest overrides the code-routing heuristic when set.
	IsCodeRequest *bool
	FallbackModel string
	Profile       *Profile
	// Timeout bounds a single upstream attempt; zero uses the client default.
	Timeout time.Duration
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Estimated        bool `json:"estimated,omitempty"`
}

// ChatResponse is the normalized result of a non-streaming completion.
type ChatResponse struct {
	ID            string `json:"id"`
	Model         string `json:"model"`
	Content       string `json:"content"`
	FinishReason  string `json:"finish_reason,omitempty"`
	Usage         Usage  `json:"usage"`
	IsCodeRequest bool   `json:"is_code_request"`
	CorrelationID string `json:"correlation_id"`
}

// StreamEventKind distinguishes the leading start marker from content deltas.
type StreamEventKind string

const (
	StreamStart StreamEventKind = "start"
	StreamDelta StreamEventKind = "delta"
)

// StreamEvent is one item produced by a ChatStream.
type StreamEvent struct {
	Kind          StreamEventKind
	Content       string
	IsCodeRequest bool
}

// ChatStream is a single-pass sequence of stream events. Next returns io.EOF
// after the end-of-stream sentinel and ErrStreamAborted (wrapped) when the
// upstream closes early.
type ChatStream interface {
	Next() (StreamEvent, error)
	Close() error
}

// Ports

// ChatClient sends chat completions through the resilience layer.
type ChatClient interface {
	Send(ctx Context, req ChatRequest) (*ChatResponse, error)
	Stream(ctx Context, req ChatRequest) (ChatStream, error)
}

// KVStore persists small opaque blobs such as credential health.
// Get returns ErrNotFound for missing keys.
type KVStore interface {
	Get(ctx Context, key string) ([]byte, error)
	Set(ctx Context, key string, value []byte) error
}

// UsageEstimator fills token usage when the upstream omits it.
type UsageEstimator interface {
	CountMessages(messages []ChatMessage, model string) (int, error)
	CountText(text, model string) (int, error)
}

// EventKind enumerates diagnostic events emitted by the transport layer.
type EventKind string

const (
	EventRequestStarted   EventKind = "request_started"
	EventResponseReceived EventKind = "response_received"
	EventRequestError     EventKind = "request_error"
	EventNotice           EventKind = "notice"
)

// Event is a structured diagnostic record. It never carries credentials or
// message content.
type Event struct {
	Kind          EventKind     `json:"kind"`
	CorrelationID string        `json:"correlation_id"`
	Model         string        `json:"model,omitempty"`
	KeySuffix     string        `json:"key_suffix,omitempty"`
	Attempt       int           `json:"attempt,omitempty"`
	Status        int           `json:"status,omitempty"`
	Class         ErrorClass    `json:"class,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ns,omitempty"`
	Message       string        `json:"message,omitempty"`
	At            time.Time     `json:"at"`
}

// EventSink receives diagnostic events. Implementations must not block.
type EventSink interface {
	Emit(ctx Context, ev Event)
}

// Context is an alias so ports read the same as the rest of the domain.
type Context = context.Context
