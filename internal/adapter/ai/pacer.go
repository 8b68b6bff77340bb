package ai

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

const (
	defaultPenalty    = 60 * time.Second
	minPenaltyWindow  = 15 * time.Second
	maxPenaltyWindow  = 300 * time.Second
	defaultPacerSpace = 600 * time.Millisecond
	defaultPenaltyGap = 1500 * time.Millisecond
)

// PacerConfig configures the global request pacer.
type PacerConfig struct {
	// MinInterval is the baseline spacing between attempts.
	MinInterval time.Duration
	// PenaltyInterval is the spacing enforced while a penalty window is active.
	PenaltyInterval time.Duration
}

// Pacer spaces upstream attempts process-wide and slows down after rate limits.
// Slots are reserved under the lock so concurrent callers never share one.
type Pacer struct {
	mu              sync.Mutex
	minInterval     time.Duration
	penaltyInterval time.Duration
	lastRequestAt   time.Time
	penaltyUntil    time.Time
	activeInterval  time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error
}

// NewPacer builds a pacer. Zero intervals are allowed and disable spacing.
func NewPacer(cfg PacerConfig) *Pacer {
	penalty := cfg.PenaltyInterval
	if penalty < cfg.MinInterval {
		penalty = cfg.MinInterval
	}
	return &Pacer{
		minInterval:     cfg.MinInterval,
		penaltyInterval: penalty,
		now:             time.Now,
		sleep:           sleepContext,
	}
}

// DefaultPacerConfig returns the 600ms baseline with a 1500ms penalty spacing.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{MinInterval: defaultPacerSpace, PenaltyInterval: defaultPenaltyGap}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// intervalLocked returns the spacing in force at now. Caller holds mu.
func (p *Pacer) intervalLocked(now time.Time) time.Duration {
	if now.Before(p.penaltyUntil) {
		return p.activeInterval
	}
	p.activeInterval = 0
	return p.minInterval
}

// Pace blocks until the caller's reserved slot arrives. A cancelled context
// returns an error wrapping domain.ErrAborted.
func (p *Pacer) Pace(ctx context.Context) error {
	p.mu.Lock()
	now := p.now()
	interval := p.intervalLocked(now)
	slot, prev := now, p.lastRequestAt
	if !prev.IsZero() {
		if next := p.lastRequestAt.Add(interval); next.After(slot) {
			slot = next
		}
	}
	p.lastRequestAt = slot
	p.mu.Unlock()

	wait := slot.Sub(now)
	if wait <= 0 {
		return nil
	}
	if err := p.sleep(ctx, wait); err != nil {
		// hand the unused slot back unless a later caller already queued behind it
		p.mu.Lock()
		if p.lastRequestAt.Equal(slot) {
			p.lastRequestAt = prev
		}
		p.mu.Unlock()
		return fmt.Errorf("op=ai.Pace: %w: %w", domain.ErrAborted, err)
	}
	return nil
}

// TriggerPenalty extends the global penalty window by the server hint clamped
// to [15s, 300s], defaulting to 60s.
func (p *Pacer) TriggerPenalty(hint time.Duration) {
	d := hint
	if d <= 0 {
		d = defaultPenalty
	}
	if d < minPenaltyWindow {
		d = minPenaltyWindow
	}
	if d > maxPenaltyWindow {
		d = maxPenaltyWindow
	}

	p.mu.Lock()
	now := p.now()
	until := now.Add(d)
	if until.After(p.penaltyUntil) {
		p.penaltyUntil = until
	}
	if p.activeInterval < p.penaltyInterval {
		p.activeInterval = p.penaltyInterval
	}
	remaining := p.penaltyUntil.Sub(now)
	p.mu.Unlock()

	observability.PacerPenaltySeconds.Set(remaining.Seconds())
	slog.Warn("pacer penalty window active",
		slog.Duration("hint", hint),
		slog.Duration("remaining", remaining))
}

// IsPenalized reports whether a penalty window is active.
func (p *Pacer) IsPenalized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.now().Before(p.penaltyUntil)
}

// PenaltyRemaining returns the time left in the penalty window, or zero.
func (p *Pacer) PenaltyRemaining() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if r := p.penaltyUntil.Sub(p.now()); r > 0 {
		return r
	}
	return 0
}

// PacerStatus is a snapshot for the status endpoint.
type PacerStatus struct {
	Penalized          bool  `json:"penalized"`
	PenaltyRemainingMS int64 `json:"penalty_remaining_ms"`
	IntervalMS         int64 `json:"interval_ms"`
}

// Status returns a snapshot of the pacer.
func (p *Pacer) Status() PacerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	remaining := p.penaltyUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return PacerStatus{
		Penalized:          remaining > 0,
		PenaltyRemainingMS: remaining.Milliseconds(),
		IntervalMS:         p.intervalLocked(now).Milliseconds(),
	}
}
