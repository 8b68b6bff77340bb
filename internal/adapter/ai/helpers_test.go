package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/store"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

type recordingSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *recordingSink) Emit(_ context.Context, ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []domain.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EventKind, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (s *recordingSink) count(kind domain.EventKind) int {
	n := 0
	for _, k := range s.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// upstreamCall is one request observed by the fake provider.
type upstreamCall struct {
	Auth    string
	Referer string
	Title   string
	Body    map[string]any
}

// fakeUpstream scripts chat-completions responses per call.
type fakeUpstream struct {
	mu      sync.Mutex
	calls   []upstreamCall
	handler func(n int, call upstreamCall, w http.ResponseWriter, r *http.Request)
	srv     *httptest.Server
}

func newFakeUpstream(t *testing.T, handler func(n int, call upstreamCall, w http.ResponseWriter, r *http.Request)) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{handler: handler}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		call := upstreamCall{
			Auth:    r.Header.Get("Authorization"),
			Referer: r.Header.Get("HTTP-Referer"),
			Title:   r.Header.Get("X-Title"),
		}
		_ = json.Unmarshal(raw, &call.Body)
		f.mu.Lock()
		f.calls = append(f.calls, call)
		n := len(f.calls)
		f.mu.Unlock()
		f.handler(n, call, w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) Calls() []upstreamCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstreamCall(nil), f.calls...)
}

func writeCompletion(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"id":"gen-1","model":"upstream/model","choices":[{"message":{"role":"assistant","content":`+
		jsonString(content)+`},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `{"error":{"message":`+jsonString(msg)+`}}`)
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func writeSSE(w http.ResponseWriter, parts []string, done bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	fl, _ := w.(http.Flusher)
	for _, p := range parts {
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":"+jsonString(p)+"}}]}\n\n")
		if fl != nil {
			fl.Flush()
		}
	}
	if done {
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

func fastPolicy() BackoffPolicy {
	return BackoffPolicy{Base: time.Millisecond, Cap: 2 * time.Millisecond, Ceiling: 10 * time.Millisecond, Rand: fixedRand(0)}
}

type testStack struct {
	orch *Orchestrator
	rc   ResilienceContext
	sink *recordingSink
}

func newTestStack(t *testing.T, baseURL string, keys []string) *testStack {
	t.Helper()
	sink := &recordingSink{}
	pacer := NewPacer(PacerConfig{})
	rc := ResilienceContext{
		Credentials: NewCredentialPool(store.NewMemory(), DefaultCooldownPolicy()),
		Circuits:    NewCircuitBreakerManager(),
		Pacer:       pacer,
	}
	tr := NewTransport(TransportConfig{
		BaseURL:        baseURL,
		Referer:        "http://localhost:8080",
		Title:          "Test Gateway",
		MaxRetries:     2,
		Backoff:        fastPolicy(),
		AttemptTimeout: 2 * time.Second,
	}, nil, pacer, sink)
	orch := NewOrchestrator(OrchestratorConfig{
		Keys:         keys,
		DefaultModel: "openai/gpt-4o-mini",
		TokenBudget:  4000,
	}, rc, tr, DefaultCapabilities(), nil, sink)
	return &testStack{orch: orch, rc: rc, sink: sink}
}

func userRequest(content string) domain.ChatRequest {
	return domain.ChatRequest{Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: content}}}
}

func bearerSuffixes(calls []upstreamCall) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, KeySuffix(strings.TrimPrefix(c.Auth, "Bearer ")))
	}
	return out
}
