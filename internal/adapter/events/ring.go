package events

import (
	"context"
	"sync"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// DefaultRingSize is the diagnostics feed length.
const DefaultRingSize = 200

// Ring keeps the most recent events in memory for the diagnostics feed.
type Ring struct {
	mu    sync.RWMutex
	buf   []domain.Event
	next  int
	count int
}

// NewRing returns a ring holding up to size events.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]domain.Event, size)}
}

// Emit implements domain.EventSink.
func (r *Ring) Emit(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	r.buf[r.next] = ev
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Recent returns up to n events, oldest first. n <= 0 returns everything held.
func (r *Ring) Recent(n int) []domain.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]domain.Event, n)
	start := (r.next - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}
