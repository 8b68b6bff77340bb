package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

const sseDone = "[DONE]"

// ChatStream decodes an upstream server-sent-events body into a start marker
// followed by content deltas. It is single-pass: once it ends, Next keeps
// returning the terminal error.
type ChatStream struct {
	mu            sync.Mutex
	ctx           context.Context
	body          io.ReadCloser
	chunk         []byte
	buf           []byte
	lines         []string
	isCode        bool
	correlationID string
	model         string
	started       bool
	eof           bool
	err           error
	closeOnce     sync.Once
	closing       atomic.Bool
	onFinish      func(err error)
}

var _ domain.ChatStream = (*ChatStream)(nil)

// NewChatStream wraps an SSE body. ctx distinguishes caller cancellation from
// upstream truncation. onFinish, when set, runs once with the terminal error
// (io.EOF on a clean end).
func NewChatStream(ctx context.Context, body io.ReadCloser, isCode bool, correlationID, model string, onFinish func(error)) *ChatStream {
	return &ChatStream{
		ctx:           ctx,
		body:          body,
		chunk:         make([]byte, 4096),
		isCode:        isCode,
		correlationID: correlationID,
		model:         model,
		onFinish:      onFinish,
	}
}

// Next returns the next event, io.EOF after the [DONE] sentinel, or an error
// wrapping domain.ErrStreamAborted if the body ends without it.
func (s *ChatStream) Next() (domain.StreamEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return domain.StreamEvent{}, s.err
	}
	if !s.started {
		s.started = true
		return domain.StreamEvent{Kind: domain.StreamStart, IsCodeRequest: s.isCode}, nil
	}
	for {
		for len(s.lines) > 0 {
			line := s.lines[0]
			s.lines = s.lines[1:]
			content, done := s.parseLine(line)
			if done {
				return domain.StreamEvent{}, s.finish(io.EOF)
			}
			if content != "" {
				return domain.StreamEvent{Kind: domain.StreamDelta, Content: content, IsCodeRequest: s.isCode}, nil
			}
		}
		if s.eof {
			return domain.StreamEvent{}, s.finish(s.abortError(nil))
		}
		n, err := s.body.Read(s.chunk)
		if err != nil && s.closing.Load() {
			return domain.StreamEvent{}, s.closedLocked()
		}
		if n > 0 {
			s.buf = append(s.buf, s.chunk[:n]...)
			s.splitLines()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return domain.StreamEvent{}, s.finish(s.abortError(err))
			}
			// flush a trailing line that had no newline
			if len(s.buf) > 0 {
				s.lines = append(s.lines, string(s.buf))
				s.buf = nil
			}
			s.eof = true
		}
	}
}

// splitLines moves complete lines from buf to lines, keeping the partial tail.
func (s *ChatStream) splitLines() {
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return
		}
		s.lines = append(s.lines, string(s.buf[:i]))
		s.buf = s.buf[i+1:]
	}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// parseLine returns the content carried by one SSE line and whether it was the end sentinel.
func (s *ChatStream) parseLine(line string) (string, bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, "data:") {
		return "", false
	}
	data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
	if strings.TrimSpace(data) == sseDone {
		return "", true
	}
	var c streamChunk
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		slog.Debug("skipping malformed stream chunk",
			slog.String("correlation_id", s.correlationID),
			slog.String("chunk", snippet(data, 128)),
			slog.Any("error", err))
		return "", false
	}
	if len(c.Choices) == 0 {
		return "", false
	}
	return c.Choices[0].Delta.Content, false
}

func (s *ChatStream) abortError(cause error) error {
	if s.ctx != nil && s.ctx.Err() != nil {
		return &SendError{
			Class:         domain.ClassAborted,
			Message:       "The request was cancelled.",
			CorrelationID: s.correlationID,
			Last:          s.ctx.Err(),
		}
	}
	observability.StreamAbortsTotal.WithLabelValues(s.model).Inc()
	msg := "The response stream ended unexpectedly."
	if cause != nil {
		slog.Warn("stream read failed",
			slog.String("correlation_id", s.correlationID),
			slog.String("model", s.model),
			slog.Any("error", cause))
	}
	return &SendError{
		Class:         domain.ClassStreamAborted,
		Message:       msg,
		CorrelationID: s.correlationID,
		Last:          cause,
	}
}

// finish records the terminal error, releases the body and returns err.
func (s *ChatStream) finish(err error) error {
	s.err = err
	s.closeBody()
	if s.onFinish != nil {
		s.onFinish(err)
	}
	return err
}

func (s *ChatStream) closeBody() {
	s.closeOnce.Do(func() {
		if s.body != nil {
			_ = s.body.Close()
		}
	})
}

// Close releases the upstream body. Events not yet read are discarded.
// It is safe to call while another goroutine is blocked in Next.
// A caller-requested close is not reported as an aborted stream.
func (s *ChatStream) Close() error {
	s.closing.Store(true)
	s.closeBody()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedLocked()
	return nil
}

// closedLocked marks the stream closed unless it already ended. Caller holds mu.
func (s *ChatStream) closedLocked() error {
	if s.err == nil {
		s.err = fmt.Errorf("op=ai.ChatStream: closed: %w", io.ErrClosedPipe)
	}
	return s.err
}

// staticStream replays a complete response as a one-delta stream. It serves
// models that cannot stream.
type staticStream struct {
	events []domain.StreamEvent
	pos    int
}

func newStaticStream(content string, isCode bool) *staticStream {
	evs := []domain.StreamEvent{{Kind: domain.StreamStart, IsCodeRequest: isCode}}
	if content != "" {
		evs = append(evs, domain.StreamEvent{Kind: domain.StreamDelta, Content: content, IsCodeRequest: isCode})
	}
	return &staticStream{events: evs}
}

func (s *staticStream) Next() (domain.StreamEvent, error) {
	if s.pos >= len(s.events) {
		return domain.StreamEvent{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *staticStream) Close() error { return nil }
