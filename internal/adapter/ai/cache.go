package ai

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// responseCacheClient wraps a ChatClient and caches successful non-streamed
// responses by model, messages and max_tokens for a short TTL. Streams pass
// through. Eviction is FIFO once capacity is reached.
type responseCacheClient struct {
	base     domain.ChatClient
	ttl      time.Duration
	capacity int
	now      func() time.Time

	mu  sync.Mutex
	m   map[string]cachedResponse
	ord []string
}

type cachedResponse struct {
	resp    domain.ChatResponse
	expires time.Time
}

// NewResponseCache wraps base with a response cache. If ttl or capacity is
// not positive, base is returned unmodified.
func NewResponseCache(base domain.ChatClient, ttl time.Duration, capacity int) domain.ChatClient {
	if ttl <= 0 || capacity <= 0 || base == nil {
		return base
	}
	return &responseCacheClient{
		base:     base,
		ttl:      ttl,
		capacity: capacity,
		now:      time.Now,
		m:        make(map[string]cachedResponse),
		ord:      make([]string, 0, capacity),
	}
}

func (c *responseCacheClient) Send(ctx domain.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	k, ok := cacheKey(req)
	if !ok {
		return c.base.Send(ctx, req)
	}
	if resp, hit := c.get(k); hit {
		observability.ResponseCacheTotal.WithLabelValues("hit").Inc()
		return resp, nil
	}
	observability.ResponseCacheTotal.WithLabelValues("miss").Inc()
	resp, err := c.base.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	c.put(k, *resp)
	return resp, nil
}

func (c *responseCacheClient) Stream(ctx domain.Context, req domain.ChatRequest) (domain.ChatStream, error) {
	return c.base.Stream(ctx, req)
}

func (c *responseCacheClient) get(k string) (*domain.ChatResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[k]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		delete(c.m, k)
		return nil, false
	}
	resp := e.resp
	return &resp, true
}

func (c *responseCacheClient) put(k string, resp domain.ChatResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := cachedResponse{resp: resp, expires: c.now().Add(c.ttl)}
	if _, exists := c.m[k]; exists {
		c.m[k] = e
		return
	}
	for len(c.ord) >= c.capacity {
		old := c.ord[0]
		c.ord = c.ord[1:]
		delete(c.m, old)
	}
	c.m[k] = e
	c.ord = append(c.ord, k)
}

// cacheKey hashes the fields that determine a response. Requests with tools
// or JSON mode are not cached.
func cacheKey(req domain.ChatRequest) (string, bool) {
	if req.Stream || len(req.Tools) > 0 || req.JSONMode {
		return "", false
	}
	raw, err := json.Marshal(struct {
		Model     string               `json:"model"`
		Messages  []domain.ChatMessage `json:"messages"`
		MaxTokens *int                 `json:"max_tokens"`
	}{req.Model, req.Messages, req.MaxTokens})
	if err != nil {
		return "", false
	}
	h := sha256.Sum256(raw)
	return hex.EncodeToString(h[:]), true
}
