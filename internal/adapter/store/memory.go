// Package store provides KV backends for small pieces of shared state such as
// credential health.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// Memory is a process-local KVStore.
type Memory struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ domain.KVStore = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("op=store.Memory.Get key=%s: %w", key, domain.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), value...)
	return nil
}
