// Package ai implements the resilient upstream chat client: credential
// rotation, pacing, circuit breaking, retries and stream decoding.
package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/llm-chat-gateway/internal/observability"
)

// User-facing messages for exhausted requests.
const (
	msgUnauthorized  = "Invalid API key(s). Please check your credential settings."
	msgRateLimit     = "Rate limits exceeded on all keys. Please try again in a minute."
	msgServer        = "The model provider is having trouble right now. Please retry shortly."
	msgNetwork       = "Could not reach the model provider. Please check your connection and try again."
	msgNoCredentials = "No usable API keys: none are configured or all are cooling down."
	msgAborted       = "The request was cancelled."
	msgEmptyUser     = "The conversation must end with a non-empty user message."
)

// ResilienceContext is the shared health state every request consults.
type ResilienceContext struct {
	Credentials *CredentialPool
	Circuits    *CircuitBreakerManager
	Pacer       *Pacer
}

// OrchestratorConfig configures request preparation and key rotation.
type OrchestratorConfig struct {
	Keys         []string
	DefaultModel string
	CodeModel    string
	TokenBudget  int
	// BackupDelay is the pause before moving to the next credential.
	BackupDelay time.Duration
}

// Orchestrator sends chat requests across the credential pool.
type Orchestrator struct {
	cfg       OrchestratorConfig
	rc        ResilienceContext
	transport *Transport
	caps      *CapabilityTable
	usage     domain.UsageEstimator
	sink      domain.EventSink
	tracer    trace.Tracer
	newID     func() string
}

var _ domain.ChatClient = (*Orchestrator)(nil)

// NewOrchestrator wires the orchestrator. usage and sink may be nil.
func NewOrchestrator(cfg OrchestratorConfig, rc ResilienceContext, transport *Transport, caps *CapabilityTable, usage domain.UsageEstimator, sink domain.EventSink) *Orchestrator {
	if caps == nil {
		caps = DefaultCapabilities()
	}
	if sink == nil {
		sink = nopSink{}
	}
	return &Orchestrator{
		cfg:       cfg,
		rc:        rc,
		transport: transport,
		caps:      caps,
		usage:     usage,
		sink:      sink,
		tracer:    otel.Tracer("llm.orchestrator"),
		newID:     uuid.NewString,
	}
}

// ResilienceStatus is a point-in-time view of credentials, circuits and pacing.
type ResilienceStatus struct {
	Credentials []CredentialStatus `json:"credentials"`
	Circuits    []CircuitStats     `json:"circuits"`
	Pacer       PacerStatus        `json:"pacer"`
}

// Status snapshots the shared health state. Keys appear only by suffix.
func (o *Orchestrator) Status(ctx context.Context) ResilienceStatus {
	return ResilienceStatus{
		Credentials: o.rc.Credentials.Snapshot(ctx, o.cfg.Keys),
		Circuits:    o.rc.Circuits.GetAllStats(),
		Pacer:       o.rc.Pacer.Status(),
	}
}

type preparedRequest struct {
	correlationID string
	model         string
	isCode        bool
	body          []byte
	stream        bool
	messages      []domain.ChatMessage
	timeout       time.Duration
}

// prepare resolves the model, sanitizes parameters and enforces the token budget.
func (o *Orchestrator) prepare(ctx context.Context, req domain.ChatRequest, correlationID string) (*preparedRequest, error) {
	isCode := DetectCodeRequest(req.Messages)
	if req.IsCodeRequest != nil {
		isCode = *req.IsCodeRequest
	}

	model := req.Model
	if model == "" && req.Profile != nil {
		model = req.Profile.Model
	}
	if model == "" {
		model = o.cfg.DefaultModel
	}
	codeModel := o.cfg.CodeModel
	if req.Profile != nil && req.Profile.CodeModel != "" {
		codeModel = req.Profile.CodeModel
	}
	if isCode && codeModel != "" {
		model = codeModel
	}

	if req.FallbackModel != "" && req.FallbackModel != model && o.rc.Circuits.IsOpen(model) {
		obsctx.LoggerFromContext(ctx).Warn("circuit open; using fallback model",
			slog.String("correlation_id", correlationID),
			slog.String("model", model),
			slog.String("fallback_model", req.FallbackModel))
		model = req.FallbackModel
	} else if o.rc.Circuits.Health(model) == HealthDegraded {
		obsctx.LoggerFromContext(ctx).Debug("model circuit degraded",
			slog.String("correlation_id", correlationID),
			slog.String("model", model))
	}

	limit := BudgetLimit(o.cfg.TokenBudget, o.caps.Lookup(model).MaxInputTokens)
	messages, err := EnforceBudget(req.Messages, limit)
	if err != nil {
		return nil, &SendError{Class: domain.ClassEmptyUserMessage, Message: msgEmptyUser, CorrelationID: correlationID, Last: err}
	}

	wire := o.caps.Sanitize(model, req, messages)
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("op=ai.prepare: %w", err)
	}
	return &preparedRequest{
		correlationID: correlationID,
		model:         model,
		isCode:        isCode,
		body:          body,
		stream:        wire.Stream,
		messages:      messages,
		timeout:       req.Timeout,
	}, nil
}

// execute runs the credential loop and returns the first successful response.
func (o *Orchestrator) execute(ctx context.Context, p *preparedRequest) (*attemptResult, error) {
	keys := o.rc.Credentials.Rotation(ctx, o.cfg.Keys)
	if len(keys) == 0 {
		return nil, &SendError{Class: domain.ClassNoCredentials, Message: msgNoCredentials, CorrelationID: p.correlationID}
	}
	logger := obsctx.LoggerFromContext(ctx)

	var lastErr error
	for i, key := range keys {
		if ctx.Err() != nil {
			return nil, o.abortError(p, ctx.Err())
		}
		if i > 0 {
			o.sink.Emit(ctx, domain.Event{
				Kind:          domain.EventNotice,
				CorrelationID: p.correlationID,
				Model:         p.model,
				KeySuffix:     KeySuffix(key),
				Message:       fmt.Sprintf("trying backup key %d of %d", i+1, len(keys)),
				At:            time.Now(),
			})
			if o.cfg.BackupDelay > 0 {
				if err := sleepContext(ctx, o.cfg.BackupDelay); err != nil {
					return nil, o.abortError(p, err)
				}
			}
		}

		resp, err := o.transport.Call(ctx, AttemptRequest{
			Body:          p.body,
			Model:         p.model,
			Credential:    key,
			CorrelationID: p.correlationID,
			Timeout:       p.timeout,
			Stream:        p.stream,
		})
		if err == nil {
			o.rc.Credentials.RecordOutcome(ctx, key, true, "", 0)
			o.rc.Circuits.RecordSuccess(p.model)
			if i > 0 {
				logger.Info("connected with backup key",
					slog.String("correlation_id", p.correlationID),
					slog.String("key_suffix", KeySuffix(key)))
			}
			return &attemptResult{key: key, resp: resp}, nil
		}

		class := Classify(err)
		if class == domain.ClassAborted {
			return nil, o.abortError(p, err)
		}
		var retryAfter time.Duration
		var ue *UpstreamError
		if errors.As(err, &ue) {
			retryAfter = ue.RetryAfter
		}
		o.rc.Credentials.RecordOutcome(ctx, key, false, class, retryAfter)
		o.rc.Circuits.RecordFailure(p.model)
		if class == domain.ClassRateLimit {
			o.rc.Pacer.TriggerPenalty(retryAfter)
		}
		logger.Warn("credential attempt failed",
			slog.String("correlation_id", p.correlationID),
			slog.String("model", p.model),
			slog.String("key_suffix", KeySuffix(key)),
			slog.String("class", string(class)),
			slog.Any("error", err))
		lastErr = err
	}
	return nil, o.finalError(p, lastErr)
}

// attemptResult pairs a successful upstream response with the key that produced it.
type attemptResult struct {
	key  string
	resp *http.Response
}

func (o *Orchestrator) abortError(p *preparedRequest, cause error) *SendError {
	return &SendError{Class: domain.ClassAborted, Message: msgAborted, CorrelationID: p.correlationID, Last: cause}
}

// finalError maps the last failure to a user-facing error.
func (o *Orchestrator) finalError(p *preparedRequest, last error) *SendError {
	class := Classify(last)
	se := &SendError{Class: class, CorrelationID: p.correlationID, Last: last}
	switch class {
	case domain.ClassUnauthorized:
		se.Message = msgUnauthorized
	case domain.ClassRateLimit:
		se.Message = msgRateLimit
	case domain.ClassServer:
		se.Message = msgServer
	case domain.ClassNetwork:
		se.Message = msgNetwork
	default:
		se.Message = upstreamMessage(last)
	}
	return se
}

// upstreamMessage extracts the provider's error message from a JSON error body.
func upstreamMessage(err error) string {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		if err == nil {
			return "Request failed."
		}
		return err.Error()
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal([]byte(ue.Body), &body) == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	if ue.Body != "" {
		return snippet(ue.Body, 256)
	}
	return ue.Error()
}

type completion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *domain.Usage `json:"usage"`
}

// Send performs a non-streaming completion.
func (o *Orchestrator) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	req.Stream = false
	correlationID := o.newID()
	ctx, span := o.tracer.Start(ctx, "llm.send", trace.WithAttributes(attribute.String("llm.correlation_id", correlationID)))
	defer span.End()

	p, err := o.prepare(ctx, req, correlationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("llm.model", p.model), attribute.Bool("llm.code", p.isCode))

	ok, err := o.execute(ctx, p)
	if err != nil {
		span.SetStatus(codes.Error, string(Classify(err)))
		return nil, err
	}
	return o.decode(ctx, p, ok)
}

func (o *Orchestrator) decode(ctx context.Context, p *preparedRequest, ok *attemptResult) (*domain.ChatResponse, error) {
	defer func() { _ = ok.resp.Body.Close() }()
	raw, err := io.ReadAll(ok.resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.abortError(p, err)
		}
		return nil, &SendError{Class: domain.ClassNetwork, Message: msgNetwork, CorrelationID: p.correlationID, Last: err}
	}
	var out completion
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Choices) == 0 {
		if err == nil {
			err = errors.New("empty choices")
		}
		return nil, &SendError{
			Class:         domain.ClassServer,
			Message:       msgServer,
			CorrelationID: p.correlationID,
			Last:          &UpstreamError{Status: ok.resp.StatusCode, Body: snippet(string(raw), 512), Class: domain.ClassServer, Cause: err},
		}
	}

	resp := &domain.ChatResponse{
		ID:            out.ID,
		Model:         out.Model,
		Content:       out.Choices[0].Message.Content,
		FinishReason:  out.Choices[0].FinishReason,
		IsCodeRequest: p.isCode,
		CorrelationID: p.correlationID,
	}
	if resp.Model == "" {
		resp.Model = p.model
	}
	if out.Usage != nil {
		resp.Usage = *out.Usage
	} else {
		resp.Usage = o.estimateUsage(p, resp.Content)
	}
	return resp, nil
}

func (o *Orchestrator) estimateUsage(p *preparedRequest, content string) domain.Usage {
	u := domain.Usage{Estimated: true}
	if o.usage != nil {
		if n, err := o.usage.CountMessages(p.messages, p.model); err == nil {
			u.PromptTokens = n
		}
		if n, err := o.usage.CountText(content, p.model); err == nil {
			u.CompletionTokens = n
		}
	} else {
		for _, m := range p.messages {
			u.PromptTokens += EstimateTokens(m.Content)
		}
		u.CompletionTokens = EstimateTokens(content)
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// Stream performs a streaming completion. Models that cannot stream are
// served with a single-delta stream built from a normal completion.
func (o *Orchestrator) Stream(ctx context.Context, req domain.ChatRequest) (domain.ChatStream, error) {
	req.Stream = true
	correlationID := o.newID()
	ctx, span := o.tracer.Start(ctx, "llm.stream", trace.WithAttributes(attribute.String("llm.correlation_id", correlationID)))
	defer span.End()

	p, err := o.prepare(ctx, req, correlationID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("llm.model", p.model), attribute.Bool("llm.code", p.isCode))

	ok, err := o.execute(ctx, p)
	if err != nil {
		span.SetStatus(codes.Error, string(Classify(err)))
		return nil, err
	}
	if !p.stream {
		resp, err := o.decode(ctx, p, ok)
		if err != nil {
			return nil, err
		}
		return newStaticStream(resp.Content, p.isCode), nil
	}

	start := time.Now()
	onFinish := func(err error) {
		ev := domain.Event{
			Kind:          domain.EventResponseReceived,
			CorrelationID: p.correlationID,
			Model:         p.model,
			KeySuffix:     KeySuffix(ok.key),
			Elapsed:       time.Since(start),
			Message:       "stream completed",
			At:            time.Now(),
		}
		if !errors.Is(err, io.EOF) {
			ev.Kind = domain.EventRequestError
			ev.Class = Classify(err)
			ev.Message = "stream ended early"
		}
		o.sink.Emit(context.WithoutCancel(ctx), ev)
	}
	return NewChatStream(ctx, ok.resp.Body, p.isCode, p.correlationID, p.model, onFinish), nil
}
