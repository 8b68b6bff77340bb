// Package proxyclient calls the gateway's /api/chat endpoint with a bounded
// retry loop. It is the hop a browser or terminal client makes.
package proxyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// Error types reported by the gateway, plus NETWORK for transport failures.
const (
	TypeTimeout   = "TIMEOUT"
	TypeRateLimit = "RATE_LIMIT"
	TypeAuth      = "AUTH"
	TypeOversize  = "OVERSIZE"
	TypeServer    = "SERVER"
	TypeBadReq    = "BAD_REQUEST"
	TypeNetwork   = "NETWORK"
)

// Error is a failed call with the gateway's message when one was returned.
type Error struct {
	Status        int
	Type          string
	Message       string
	CorrelationID string
	RetryAfter    time.Duration
	Cause         error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) retryable() bool {
	switch {
	case e.Type == TypeTimeout, e.Type == TypeNetwork:
		return true
	case e.Status == http.StatusTooManyRequests:
		return true
	case e.Status >= 500:
		return true
	}
	return false
}

// Payload is the /api/chat request body.
type Payload struct {
	Messages  []domain.ChatMessage `json:"messages"`
	Model     string               `json:"model,omitempty"`
	MaxTokens *int                 `json:"max_tokens,omitempty"`
}

// Message is one reply message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Choice is one completion alternative.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Reply is the OpenAI-shaped /api/chat response.
type Reply struct {
	ID            string       `json:"id"`
	Model         string       `json:"model"`
	Choices       []Choice     `json:"choices"`
	Usage         domain.Usage `json:"usage"`
	CorrelationID string       `json:"correlation_id"`
	IsCodeRequest bool         `json:"is_code_request"`
}

// Content returns the first choice's text.
func (r *Reply) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Policy     ai.BackoffPolicy
	HTTPClient *http.Client
}

// Client posts chat payloads to the gateway.
type Client struct {
	baseURL    string
	token      string
	timeout    time.Duration
	maxRetries int
	policy     ai.BackoffPolicy
	hc         *http.Client
	now        func() time.Time
}

// New builds a Client; zero values fall back to 30s and two retries.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		policy:     cfg.Policy,
		hc:         cfg.HTTPClient,
		now:        time.Now,
	}
	if c.timeout <= 0 {
		c.timeout = 30 * time.Second
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.policy.Base == 0 && c.policy.Cap == 0 {
		c.policy = ai.DefaultBackoffPolicy()
	}
	if c.hc == nil {
		c.hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return c
}

// Send posts p and retries 429, 5xx, timeouts and connection failures.
func (c *Client) Send(ctx context.Context, p Payload) (*Reply, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("op=proxyclient.Send marshal: %w", err)
	}

	bo := ai.NewHintedBackOff(c.policy)
	var reply *Reply
	op := func() error {
		r, err := c.attempt(ctx, body)
		if err == nil {
			reply = r
			return nil
		}
		var pe *Error
		if errors.As(err, &pe) && pe.retryable() {
			bo.Hint(pe.RetryAfter)
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug("retrying gateway call", slog.Any("error", err), slog.Duration("wait", wait))
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx) //nolint:gosec // non-negative
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) attempt(ctx context.Context, body []byte) (*Reply, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=proxyclient.attempt build: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if actx.Err() != nil {
			return nil, &Error{Type: TypeTimeout, Message: "The gateway took too long to respond. Please wait a moment and try again.", Cause: err}
		}
		return nil, &Error{Type: TypeNetwork, Message: "gateway unreachable", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if actx.Err() != nil {
			return nil, &Error{Status: resp.StatusCode, Type: TypeTimeout, Message: "response body timed out", Cause: err}
		}
		return nil, &Error{Status: resp.StatusCode, Type: TypeNetwork, Message: "read response", Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.decodeError(resp, raw)
	}
	var out Reply
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Status: resp.StatusCode, Type: TypeServer, Message: "malformed gateway response", Cause: err}
	}
	return &out, nil
}

func (c *Client) decodeError(resp *http.Response, raw []byte) *Error {
	var env struct {
		Error struct {
			Type          string `json:"type"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlation_id"`
		} `json:"error"`
	}
	e := &Error{Status: resp.StatusCode, RetryAfter: ai.ParseRetryAfter(resp.Header, c.now())}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		e.Type = env.Error.Type
		e.Message = env.Error.Message
		e.CorrelationID = env.Error.CorrelationID
	}
	if e.Type == "" {
		e.Type = typeForStatus(resp.StatusCode)
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(raw))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
	}
	return e
}

func typeForStatus(status int) string {
	switch {
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return TypeTimeout
	case status == http.StatusTooManyRequests:
		return TypeRateLimit
	case status == http.StatusUnauthorized:
		return TypeAuth
	case status == http.StatusRequestEntityTooLarge:
		return TypeOversize
	case status >= 500:
		return TypeServer
	default:
		return TypeBadReq
	}
}
