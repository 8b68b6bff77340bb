package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/llm-chat-gateway/internal/config"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/fairyhunter13/llm-chat-gateway/internal/service/catalog"
	"github.com/fairyhunter13/llm-chat-gateway/pkg/textx"
)

// StatusSource reports the resilience state.
type StatusSource interface {
	Status(ctx context.Context) ai.ResilienceStatus
}

// ModelLister lists upstream models.
type ModelLister interface {
	List(ctx context.Context) ([]catalog.Model, error)
}

// DiagnosticsFeed returns recent diagnostic events.
type DiagnosticsFeed interface {
	Recent(n int) []domain.Event
}

// ReadinessCheck is one named dependency probe.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg         config.Config
	Chat        domain.ChatClient
	Status      StatusSource
	Models      ModelLister
	Diagnostics DiagnosticsFeed
	Checks      []ReadinessCheck
}

// NewServer constructs the handler set.
func NewServer(cfg config.Config, chat domain.ChatClient, status StatusSource, models ModelLister, diag DiagnosticsFeed, checks ...ReadinessCheck) *Server {
	return &Server{Cfg: cfg, Chat: chat, Status: status, Models: models, Diagnostics: diag, Checks: checks}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type messagePayload struct {
	Role       string  `json:"role" validate:"required,oneof=system user assistant tool"`
	Content    *string `json:"content" validate:"required"`
	ToolCallID string  `json:"tool_call_id,omitempty"`
}

type chatPayload struct {
	Messages         []messagePayload `json:"messages" validate:"required,min=1,dive"`
	Model            string           `json:"model" validate:"max=200"`
	FallbackModel    string           `json:"fallback_model" validate:"max=200"`
	MaxTokens        *int             `json:"max_tokens" validate:"omitempty,gt=0"`
	Temperature      *float64         `json:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP             *float64         `json:"top_p" validate:"omitempty,gt=0,lte=1"`
	FrequencyPenalty *float64         `json:"frequency_penalty" validate:"omitempty,gte=-2,lte=2"`
	PresencePenalty  *float64         `json:"presence_penalty" validate:"omitempty,gte=-2,lte=2"`
	JSONMode         bool             `json:"json_mode"`
	IsCodeRequest    *bool            `json:"is_code_request"`
}

// decodeChat reads, validates, sanitizes and trims a chat payload.
func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (domain.ChatRequest, map[string]string, error) {
	if s.Cfg.MaxBodyKB > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.Cfg.MaxBodyKB*1024)
	}
	var p chatPayload
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&p); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return domain.ChatRequest{}, nil, err
		}
		return domain.ChatRequest{}, nil, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(p); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return domain.ChatRequest{}, verrs, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument)
	}

	msgs := make([]domain.ChatMessage, 0, len(p.Messages))
	for _, m := range p.Messages {
		msgs = append(msgs, domain.ChatMessage{
			Role:       domain.Role(m.Role),
			Content:    textx.SanitizeText(*m.Content),
			ToolCallID: m.ToolCallID,
		})
	}
	return domain.ChatRequest{
		Model:            strings.TrimSpace(p.Model),
		FallbackModel:    firstNonEmpty(strings.TrimSpace(p.FallbackModel), s.Cfg.FallbackModel),
		Messages:         TrimHistory(msgs, s.Cfg.HistoryMaxChars),
		MaxTokens:        p.MaxTokens,
		Temperature:      p.Temperature,
		TopP:             p.TopP,
		FrequencyPenalty: p.FrequencyPenalty,
		PresencePenalty:  p.PresencePenalty,
		JSONMode:         p.JSONMode,
		IsCodeRequest:    p.IsCodeRequest,
	}, nil, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type completionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionChoice struct {
	Index        int               `json:"index"`
	Message      completionMessage `json:"message"`
	FinishReason string            `json:"finish_reason,omitempty"`
}

type completionResponse struct {
	ID            string             `json:"id,omitempty"`
	Object        string             `json:"object"`
	Model         string             `json:"model"`
	Choices       []completionChoice `json:"choices"`
	Usage         domain.Usage       `json:"usage"`
	CorrelationID string             `json:"correlation_id"`
	IsCodeRequest bool               `json:"is_code_request"`
}

func toCompletion(resp *domain.ChatResponse) completionResponse {
	return completionResponse{
		ID:     resp.ID,
		Object: "chat.completion",
		Model:  resp.Model,
		Choices: []completionChoice{{
			Message:      completionMessage{Role: string(domain.RoleAssistant), Content: resp.Content},
			FinishReason: resp.FinishReason,
		}},
		Usage:         resp.Usage,
		CorrelationID: resp.CorrelationID,
		IsCodeRequest: resp.IsCodeRequest,
	}
}

// ChatHandler proxies a non-streaming completion.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, details, err := s.decodeChat(w, r)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		ctx := r.Context()
		if s.Cfg.UpstreamTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.Cfg.UpstreamTimeout)
			defer cancel()
		}
		resp, err := s.Chat.Send(ctx, req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("X-Correlation-Id", resp.CorrelationID)
		writeJSON(w, http.StatusOK, toCompletion(resp))
	}
}

func writeSSE(w io.Writer, event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// ChatStreamHandler relays a streaming completion as server-sent events: a
// start event, content deltas, then [DONE] or an error event.
func (s *Server) ChatStreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, details, err := s.decodeChat(w, r)
		if err != nil {
			writeError(w, r, err, details)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, errors.New("streaming unsupported"), nil)
			return
		}
		stream, err := s.Chat.Stream(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		defer func() { _ = stream.Close() }()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		for {
			ev, err := stream.Next()
			if errors.Is(err, io.EOF) {
				_, _ = io.WriteString(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			if err != nil {
				_, body := errorBody(err, nil)
				_ = writeSSE(w, "error", body)
				flusher.Flush()
				LoggerFrom(r).Warn("stream ended with error", "error", err)
				return
			}
			switch ev.Kind {
			case domain.StreamStart:
				err = writeSSE(w, "start", map[string]any{"is_code_request": ev.IsCodeRequest})
			default:
				err = writeSSE(w, "", map[string]string{"content": ev.Content})
			}
			if err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ModelsHandler returns the cached upstream model list.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Models == nil {
			writeJSON(w, http.StatusOK, map[string]any{"data": []catalog.Model{}})
			return
		}
		models, err := s.Models.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if free, _ := strconv.ParseBool(r.URL.Query().Get("free")); free {
			filtered := make([]catalog.Model, 0, len(models))
			for _, m := range models {
				if m.Free {
					filtered = append(filtered, m)
				}
			}
			models = filtered
		}
		body := map[string]any{"data": models}
		if st, ok := s.Models.(interface{ Status() catalog.Status }); ok {
			body["cache"] = st.Status()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

// StatusHandler reports credential, circuit and pacer health.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Status == nil {
			writeJSON(w, http.StatusOK, ai.ResilienceStatus{})
			return
		}
		writeJSON(w, http.StatusOK, s.Status.Status(r.Context()))
	}
}

const (
	defaultDiagnosticsLimit = 50
	maxDiagnosticsLimit     = 500
)

// DiagnosticsHandler returns the most recent diagnostic events, oldest first.
func (s *Server) DiagnosticsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultDiagnosticsLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > maxDiagnosticsLimit {
				writeError(w, r, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidArgument, maxDiagnosticsLimit), nil)
				return
			}
			limit = n
		}
		events := []domain.Event{}
		if s.Diagnostics != nil {
			events = s.Diagnostics.Recent(limit)
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// ReadyzHandler probes every configured dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, len(s.Checks))
		ok := true
		for _, c := range s.Checks {
			if err := c.Check(ctx); err != nil {
				ok = false
				checks = append(checks, check{Name: c.Name, Details: err.Error()})
				continue
			}
			checks = append(checks, check{Name: c.Name, OK: true})
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
