// Package events delivers diagnostic events from the upstream client to
// logs, metrics, an in-memory feed and Kafka.
package events

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/llm-chat-gateway/internal/observability"
)

// Fanout forwards every event to each sink in order.
type Fanout []domain.EventSink

// Emit implements domain.EventSink.
func (f Fanout) Emit(ctx context.Context, ev domain.Event) {
	for _, s := range f {
		if s != nil {
			s.Emit(ctx, ev)
		}
	}
}

// LogSink writes events to the request logger and records attempt metrics.
type LogSink struct{}

// Emit implements domain.EventSink.
func (LogSink) Emit(ctx context.Context, ev domain.Event) {
	logger := obsctx.LoggerFromContext(ctx)
	attrs := []any{
		slog.String("event", string(ev.Kind)),
		slog.String("correlation_id", ev.CorrelationID),
		slog.String("model", ev.Model),
	}
	if ev.KeySuffix != "" {
		attrs = append(attrs, slog.String("key_suffix", ev.KeySuffix))
	}
	if ev.Attempt > 0 {
		attrs = append(attrs, slog.Int("attempt", ev.Attempt))
	}
	if ev.Status > 0 {
		attrs = append(attrs, slog.Int("status", ev.Status))
	}
	if ev.Elapsed > 0 {
		attrs = append(attrs, slog.Int64("elapsed_ms", ev.Elapsed.Milliseconds()))
	}

	switch ev.Kind {
	case domain.EventRequestStarted:
		logger.Debug("upstream attempt started", attrs...)
	case domain.EventResponseReceived:
		logger.Info("upstream response received", attrs...)
	case domain.EventRequestError:
		attrs = append(attrs, slog.String("class", string(ev.Class)), slog.String("detail", ev.Message))
		logger.Warn("upstream attempt failed", attrs...)
	default:
		logger.Info(ev.Message, attrs...)
	}

	// stream completion events carry no attempt number and are not attempts
	if ev.Attempt == 0 {
		return
	}
	switch ev.Kind {
	case domain.EventResponseReceived:
		observability.ObserveAttempt(ev.Model, "ok", ev.Elapsed)
	case domain.EventRequestError:
		observability.ObserveAttempt(ev.Model, strings.ToLower(string(ev.Class)), ev.Elapsed)
	}
}
