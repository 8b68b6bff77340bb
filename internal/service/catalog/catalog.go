// Package catalog serves the upstream model list through a read-through cache.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultTTL is how long a fetched list is served before refreshing.
const DefaultTTL = 12 * time.Hour

// Model is one entry of the upstream model list.
type Model struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description,omitempty"`
	ContextLength int     `json:"context_length,omitempty"`
	Pricing       Pricing `json:"pricing"`
	Free          bool    `json:"free"`
}

// Pricing holds per-token prices. OpenRouter sends them as strings but
// numbers are accepted too.
type Pricing struct {
	Prompt     any `json:"prompt"`
	Completion any `json:"completion"`
}

// Status describes the cache.
type Status struct {
	LastFetch time.Time     `json:"last_fetch"`
	NextFetch time.Time     `json:"next_fetch"`
	TTL       time.Duration `json:"ttl"`
	Count     int           `json:"count"`
}

// Service fetches the model list from {baseURL}/models and caches it.
type Service struct {
	baseURL string
	apiKey  string
	hc      *http.Client
	ttl     time.Duration
	now     func() time.Time

	fetchMu   sync.Mutex
	mu        sync.RWMutex
	models    []Model
	lastFetch time.Time
}

// New builds a catalog. A nil client gets an instrumented one with a 30s timeout.
func New(baseURL, apiKey string, ttl time.Duration, hc *http.Client) *Service {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second, Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		hc:      hc,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (s *Service) fresh() ([]Model, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.models == nil || s.now().Sub(s.lastFetch) >= s.ttl {
		return nil, false
	}
	return append([]Model(nil), s.models...), true
}

// List returns the cached list, refreshing it when expired. A failed refresh
// falls back to the stale list; it is an error only when nothing was ever fetched.
func (s *Service) List(ctx context.Context) ([]Model, error) {
	if models, ok := s.fresh(); ok {
		return models, nil
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	// another caller may have refreshed while we waited
	if models, ok := s.fresh(); ok {
		return models, nil
	}

	if err := s.refreshLocked(ctx); err != nil {
		s.mu.RLock()
		stale := append([]Model(nil), s.models...)
		had := s.models != nil
		s.mu.RUnlock()
		if !had {
			return nil, err
		}
		slog.Warn("model catalog refresh failed; serving stale list",
			slog.Int("cached_count", len(stale)),
			slog.Any("error", err))
		return stale, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Model(nil), s.models...), nil
}

// Refresh fetches the list now regardless of age.
func (s *Service) Refresh(ctx context.Context) error {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	return s.refreshLocked(ctx)
}

// Status reports cache age and size.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{LastFetch: s.lastFetch, TTL: s.ttl, Count: len(s.models)}
	if !s.lastFetch.IsZero() {
		st.NextFetch = s.lastFetch.Add(s.ttl)
	}
	return st
}

func (s *Service) refreshLocked(ctx context.Context) error {
	models, err := s.fetch(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.models = models
	s.lastFetch = s.now()
	s.mu.Unlock()
	slog.Info("fetched model catalog", slog.Int("models", len(models)))
	return nil
}

func (s *Service) fetch(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("op=catalog.fetch: %w", err)
	}
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=catalog.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("op=catalog.fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("op=catalog.fetch: decode: %w", err)
	}
	models := make([]Model, 0, len(payload.Data))
	for _, m := range payload.Data {
		if m.ID == "" {
			continue
		}
		m.Free = priceIsFree(m.Pricing.Prompt) && priceIsFree(m.Pricing.Completion)
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// priceIsFree reports whether a price value is zero. Missing prices count as free.
func priceIsFree(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return true
		}
		return strings.Trim(s, "0.") == ""
	case float64:
		return t == 0
	default:
		return false
	}
}
