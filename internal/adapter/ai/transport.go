package ai

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// TransportConfig configures upstream HTTP attempts.
type TransportConfig struct {
	BaseURL string
	Referer string
	Title   string
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	Backoff    BackoffPolicy
	// AttemptTimeout bounds each attempt until headers arrive (streams) or
	// the body is closed (non-streaming).
	AttemptTimeout time.Duration
}

// AttemptRequest is one chat-completions call on a single credential.
type AttemptRequest struct {
	Body          []byte
	Model         string
	Credential    string
	CorrelationID string
	Timeout       time.Duration
	Stream        bool
}

// Transport performs paced, retried upstream calls on a single credential.
type Transport struct {
	cfg    TransportConfig
	hc     *http.Client
	pacer  *Pacer
	sink   domain.EventSink
	tracer trace.Tracer
	now    func() time.Time
}

type nopSink struct{}

func (nopSink) Emit(domain.Context, domain.Event) {}

// NewTransport builds a transport. A nil client gets an otelhttp-instrumented
// default; a nil sink discards events.
func NewTransport(cfg TransportConfig, hc *http.Client, pacer *Pacer, sink domain.EventSink) *Transport {
	if hc == nil {
		hc = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if pacer == nil {
		pacer = NewPacer(PacerConfig{})
	}
	if sink == nil {
		sink = nopSink{}
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Transport{
		cfg:    cfg,
		hc:     hc,
		pacer:  pacer,
		sink:   sink,
		tracer: otel.Tracer("llm.transport"),
		now:    time.Now,
	}
}

// Call sends req, retrying retryable statuses and connection failures with
// backoff. The returned response has a 2xx status and must be closed by the caller.
func (t *Transport) Call(ctx context.Context, req AttemptRequest) (*http.Response, error) {
	bo := NewHintedBackOff(t.cfg.Backoff)
	var (
		resp    *http.Response
		attempt int
	)
	op := func() error {
		if err := t.pacer.Pace(ctx); err != nil {
			return backoff.Permanent(&UpstreamError{Class: domain.ClassAborted, Cause: err})
		}
		attempt++
		r, err := t.attempt(ctx, req, attempt)
		if err == nil {
			resp = r
			return nil
		}
		var ue *UpstreamError
		if !errors.As(err, &ue) {
			return backoff.Permanent(err)
		}
		if ue.Class == domain.ClassRateLimit {
			t.pacer.TriggerPenalty(ue.RetryAfter)
		}
		switch {
		case ue.Status > 0 && retryableStatus(ue.Status):
			if !t.worthWaiting(ctx, ue.RetryAfter) {
				// long hints are left to the caller, which can switch credentials
				return backoff.Permanent(err)
			}
			bo.Hint(ue.RetryAfter)
			return err
		case ue.Status == 0 && ue.Class == domain.ClassNetwork && !ue.Timeout:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("retrying upstream attempt",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("model", req.Model),
			slog.String("key_suffix", KeySuffix(req.Credential)),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.Any("error", err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(t.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		var ue *UpstreamError
		if !errors.As(err, &ue) && ctx.Err() != nil {
			return nil, &UpstreamError{Class: domain.ClassAborted, Cause: err}
		}
		return nil, err
	}
	return resp, nil
}

// worthWaiting reports whether a server retry hint is short enough to retry on
// the same credential: within the backoff cap and before the context deadline.
func (t *Transport) worthWaiting(ctx context.Context, hint time.Duration) bool {
	if hint <= 0 {
		return true
	}
	if t.cfg.Backoff.Cap > 0 && hint > t.cfg.Backoff.Cap {
		return false
	}
	if deadline, ok := ctx.Deadline(); ok && hint >= time.Until(deadline) {
		return false
	}
	return true
}

func (t *Transport) attempt(ctx context.Context, req AttemptRequest, n int) (*http.Response, error) {
	ctx, span := t.tracer.Start(ctx, "llm.attempt", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.attempt", n),
		attribute.Bool("llm.stream", req.Stream),
	))
	defer span.End()

	ev := domain.Event{
		CorrelationID: req.CorrelationID,
		Model:         req.Model,
		KeySuffix:     KeySuffix(req.Credential),
		Attempt:       n,
	}
	start := t.now()
	ev.Kind, ev.At = domain.EventRequestStarted, start
	t.sink.Emit(ctx, ev)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.cfg.AttemptTimeout
	}
	attemptCtx, cancel := context.WithCancel(ctx)
	var timedOut atomic.Bool
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			cancel()
		})
	}
	stop := func() {
		if timer != nil {
			timer.Stop()
		}
		cancel()
	}

	fail := func(ue *UpstreamError) (*http.Response, error) {
		stop()
		now := t.now()
		ev.Kind, ev.At, ev.Status, ev.Class, ev.Elapsed = domain.EventRequestError, now, ue.Status, ue.Class, now.Sub(start)
		ev.Message = ue.Error()
		t.sink.Emit(ctx, ev)
		span.RecordError(ue)
		span.SetStatus(codes.Error, string(ue.Class))
		return nil, ue
	}

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, t.cfg.BaseURL+"/chat/completions", bytes.NewReader(req.Body))
	if err != nil {
		return fail(&UpstreamError{Class: domain.ClassClient, Cause: err})
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	httpReq.Header.Set("Content-Type", "application/json")
	if t.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", t.cfg.Referer)
	}
	if t.cfg.Title != "" {
		httpReq.Header.Set("X-Title", t.cfg.Title)
	}
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := t.hc.Do(httpReq)
	if err != nil {
		ue := &UpstreamError{Class: domain.ClassNetwork, Cause: err}
		switch {
		case ctx.Err() != nil:
			ue.Class = domain.ClassAborted
		case timedOut.Load():
			ue.Timeout = true
		}
		return fail(ue)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		slog.Warn("upstream non-2xx",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("model", req.Model),
			slog.String("key_suffix", ev.KeySuffix),
			slog.Int("status", resp.StatusCode),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", snippet(string(body), 512)))
		return fail(&UpstreamError{
			Status:     resp.StatusCode,
			Body:       string(body),
			RetryAfter: ParseRetryAfter(resp.Header, t.now()),
			Class:      ClassifyStatus(resp.StatusCode),
		})
	}

	if req.Stream && timer != nil {
		timer.Stop()
	}
	resp.Body = &attemptBody{ReadCloser: resp.Body, stop: stop, timedOut: &timedOut}

	now := t.now()
	ev.Kind, ev.At, ev.Status, ev.Elapsed = domain.EventResponseReceived, now, resp.StatusCode, now.Sub(start)
	t.sink.Emit(ctx, ev)
	return resp, nil
}

// attemptBody releases the attempt's timer and context on Close and reports
// reads cut off by the attempt timeout as network timeouts.
type attemptBody struct {
	io.ReadCloser
	stop     func()
	timedOut *atomic.Bool
}

func (b *attemptBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && b.timedOut.Load() {
		return n, &UpstreamError{Class: domain.ClassNetwork, Timeout: true, Cause: err}
	}
	return n, err
}

func (b *attemptBody) Close() error {
	err := b.ReadCloser.Close()
	b.stop()
	return err
}
