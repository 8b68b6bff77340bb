package ai

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// DefaultCredentialStateKey is the KV key holding the persisted pool state.
const DefaultCredentialStateKey = "llm:credential-health"

// CooldownPolicy maps failure classes to how long a credential sits out.
type CooldownPolicy struct {
	RateLimit    time.Duration
	RateLimitMax time.Duration
	Transient    time.Duration
	Unauthorized time.Duration
}

// DefaultCooldownPolicy returns 60s (hint capped at 5m) for rate limits, 3m
// for server and network failures and 30m for rejected credentials.
func DefaultCooldownPolicy() CooldownPolicy {
	return CooldownPolicy{
		RateLimit:    60 * time.Second,
		RateLimitMax: 5 * time.Minute,
		Transient:    3 * time.Minute,
		Unauthorized: 30 * time.Minute,
	}
}

// For returns the cooldown for a failure class. Zero means no cooldown.
func (c CooldownPolicy) For(class domain.ErrorClass, retryAfter time.Duration) time.Duration {
	switch class {
	case domain.ClassRateLimit:
		if retryAfter > 0 {
			if retryAfter > c.RateLimitMax {
				return c.RateLimitMax
			}
			return retryAfter
		}
		return c.RateLimit
	case domain.ClassServer, domain.ClassNetwork:
		return c.Transient
	case domain.ClassUnauthorized:
		return c.Unauthorized
	default:
		return 0
	}
}

// CredentialRecord is the persisted health of one credential. Credentials are
// identified by a fingerprint; only the last four characters are kept for display.
type CredentialRecord struct {
	KeySuffix     string            `json:"key_suffix"`
	SuccessCount  int               `json:"success_count"`
	FailureCount  int               `json:"failure_count"`
	CooldownUntil time.Time         `json:"cooldown_until,omitempty"`
	LastClass     domain.ErrorClass `json:"last_class,omitempty"`
	LastUsed      time.Time         `json:"last_used,omitempty"`
}

type poolState struct {
	Keys      map[string]*CredentialRecord `json:"keys"`
	Preferred string                       `json:"preferred,omitempty"`
}

// CredentialPool tracks per-credential health and the preferred starting key.
// State is loaded lazily from the store and written back after each change;
// store failures degrade to in-memory operation.
type CredentialPool struct {
	mu        sync.Mutex
	store     domain.KVStore
	storeKey  string
	cooldowns CooldownPolicy
	loaded    bool
	state     poolState
	version   uint64
	now       func() time.Time

	persistMu sync.Mutex
	persisted uint64
}

// NewCredentialPool creates a pool backed by store. A nil store keeps state in memory only.
func NewCredentialPool(store domain.KVStore, cooldowns CooldownPolicy) *CredentialPool {
	return &CredentialPool{
		store:     store,
		storeKey:  DefaultCredentialStateKey,
		cooldowns: cooldowns,
		state:     poolState{Keys: map[string]*CredentialRecord{}},
		now:       time.Now,
	}
}

// KeySuffix returns the last four characters of a credential for logs.
func KeySuffix(key string) string {
	if len(key) <= 4 {
		return key
	}
	return key[len(key)-4:]
}

func fingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// ensureLoadedLocked reads persisted state once. Caller holds mu.
func (p *CredentialPool) ensureLoadedLocked(ctx context.Context) {
	if p.loaded {
		return
	}
	p.loaded = true
	if p.store == nil {
		return
	}
	raw, err := p.store.Get(ctx, p.storeKey)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("credential state load failed; starting empty", slog.Any("error", err))
		}
		return
	}
	var st poolState
	if err := json.Unmarshal(raw, &st); err != nil {
		slog.Warn("credential state corrupt; starting empty", slog.Any("error", err))
		return
	}
	if st.Keys == nil {
		st.Keys = map[string]*CredentialRecord{}
	}
	p.state = st
}

func (p *CredentialPool) recordLocked(key string) *CredentialRecord {
	fp := fingerprint(key)
	rec, ok := p.state.Keys[fp]
	if !ok {
		rec = &CredentialRecord{KeySuffix: KeySuffix(key)}
		p.state.Keys[fp] = rec
	}
	return rec
}

// ListUsable returns the configured keys that are not cooling down, in order.
func (p *CredentialPool) ListUsable(ctx context.Context, keys []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLoadedLocked(ctx)

	now := p.now()
	usable := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if rec, ok := p.state.Keys[fingerprint(k)]; ok && now.Before(rec.CooldownUntil) {
			continue
		}
		usable = append(usable, k)
	}
	return usable
}

// PreferredStartIndex returns the index of the last successful key in keys, or 0.
func (p *CredentialPool) PreferredStartIndex(ctx context.Context, keys []string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLoadedLocked(ctx)

	if p.state.Preferred == "" {
		return 0
	}
	for i, k := range keys {
		if fingerprint(k) == p.state.Preferred {
			return i
		}
	}
	return 0
}

// Rotation returns the usable keys starting from the preferred one.
func (p *CredentialPool) Rotation(ctx context.Context, keys []string) []string {
	usable := p.ListUsable(ctx, keys)
	if len(usable) == 0 {
		return usable
	}
	start := p.PreferredStartIndex(ctx, usable)
	return append(usable[start:len(usable):len(usable)], usable[:start]...)
}

// RecordOutcome updates a credential after an attempt. Success clears any
// cooldown and makes the key the preferred starting point.
func (p *CredentialPool) RecordOutcome(ctx context.Context, key string, success bool, class domain.ErrorClass, retryAfter time.Duration) {
	if key == "" {
		return
	}
	p.mu.Lock()
	p.ensureLoadedLocked(ctx)
	now := p.now()
	rec := p.recordLocked(key)
	rec.LastUsed = now
	if success {
		rec.SuccessCount++
		rec.CooldownUntil = time.Time{}
		rec.LastClass = ""
		p.state.Preferred = fingerprint(key)
	} else {
		rec.FailureCount++
		rec.LastClass = class
		if d := p.cooldowns.For(class, retryAfter); d > 0 {
			until := now.Add(d)
			if until.After(rec.CooldownUntil) {
				rec.CooldownUntil = until
			}
			observability.CredentialCooldownsTotal.WithLabelValues(string(class)).Inc()
			slog.Warn("credential cooling down",
				slog.String("key_suffix", rec.KeySuffix),
				slog.String("class", string(class)),
				slog.Duration("cooldown", d))
		}
	}
	p.version++
	p.mu.Unlock()

	p.persist(ctx)
}

// persist writes the newest snapshot. Older snapshots never overwrite newer ones.
func (p *CredentialPool) persist(ctx context.Context) {
	if p.store == nil {
		return
	}
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	p.mu.Lock()
	version := p.version
	raw, err := json.Marshal(p.state)
	p.mu.Unlock()
	if err != nil || version <= p.persisted {
		return
	}
	if err := p.store.Set(context.WithoutCancel(ctx), p.storeKey, raw); err != nil {
		slog.Warn("credential state persist failed", slog.Any("error", err))
		return
	}
	p.persisted = version
}

// CredentialStatus is a display view of one configured credential.
type CredentialStatus struct {
	KeySuffix           string            `json:"key_suffix"`
	SuccessCount        int               `json:"success_count"`
	FailureCount        int               `json:"failure_count"`
	CoolingDown         bool              `json:"cooling_down"`
	CooldownRemainingMS int64             `json:"cooldown_remaining_ms"`
	LastClass           domain.ErrorClass `json:"last_class,omitempty"`
	Preferred           bool              `json:"preferred"`
}

// Snapshot reports the health of each configured key in configuration order.
func (p *CredentialPool) Snapshot(ctx context.Context, keys []string) []CredentialStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureLoadedLocked(ctx)

	now := p.now()
	out := make([]CredentialStatus, 0, len(keys))
	for _, k := range keys {
		fp := fingerprint(k)
		st := CredentialStatus{KeySuffix: KeySuffix(k), Preferred: fp == p.state.Preferred}
		if rec, ok := p.state.Keys[fp]; ok {
			st.SuccessCount = rec.SuccessCount
			st.FailureCount = rec.FailureCount
			st.LastClass = rec.LastClass
			if remaining := rec.CooldownUntil.Sub(now); remaining > 0 {
				st.CoolingDown = true
				st.CooldownRemainingMS = remaining.Milliseconds()
			}
		}
		out = append(out, st)
	}
	return out
}
