package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/llm-chat-gateway/internal/config"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/fairyhunter13/llm-chat-gateway/internal/service/catalog"
)

// fakeChat records requests and replays canned results.
type fakeChat struct {
	mu        sync.Mutex
	requests  []domain.ChatRequest
	resp      *domain.ChatResponse
	err       error
	events    []domain.StreamEvent
	streamErr error
	openErr   error
}

func (f *fakeChat) Send(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeChat) Stream(_ context.Context, req domain.ChatRequest) (domain.ChatStream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &sliceStream{events: f.events, end: f.streamErr}, nil
}

func (f *fakeChat) last(t *testing.T) domain.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type sliceStream struct {
	events []domain.StreamEvent
	end    error
	i      int
	closed bool
}

func (s *sliceStream) Next() (domain.StreamEvent, error) {
	if s.i < len(s.events) {
		ev := s.events[s.i]
		s.i++
		return ev, nil
	}
	if s.end != nil {
		return domain.StreamEvent{}, s.end
	}
	return domain.StreamEvent{}, io.EOF
}

func (s *sliceStream) Close() error { s.closed = true; return nil }

type fakeStatus struct{ st ai.ResilienceStatus }

func (f fakeStatus) Status(context.Context) ai.ResilienceStatus { return f.st }

type fakeModels struct {
	models []catalog.Model
	err    error
}

func (f fakeModels) List(context.Context) ([]catalog.Model, error) { return f.models, f.err }

type fakeFeed struct {
	events []domain.Event
	asked  int
}

func (f *fakeFeed) Recent(n int) []domain.Event {
	f.asked = n
	if n < len(f.events) {
		return f.events[len(f.events)-n:]
	}
	return f.events
}

func testConfig() config.Config {
	return config.Config{
		HistoryMaxChars: 8000,
		MaxBodyKB:       64,
	}
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch v := body.(type) {
	case string:
		buf.WriteString(v)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(v))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) apiError {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error
}

func userBody(content string) map[string]any {
	return map[string]any{"messages": []map[string]string{{"role": "user", "content": content}}}
}
