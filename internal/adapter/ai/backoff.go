package ai

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy computes retry delays: exponential from Base, capped at Cap,
// plus jitter in [0, Base). A server hint raises the delay, and the result
// never exceeds Ceiling.
type BackoffPolicy struct {
	Base    time.Duration
	Cap     time.Duration
	Ceiling time.Duration
	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoffPolicy returns the 500ms/5s/5m policy.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:    500 * time.Millisecond,
		Cap:     5 * time.Second,
		Ceiling: 5 * time.Minute,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p BackoffPolicy) Delay(attempt int, hint time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.Base
	for i := 0; i < attempt && d < p.Cap; i++ {
		d *= 2
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if p.Base > 0 {
		d += time.Duration(p.random() * float64(p.Base))
	}
	if hint > d {
		d = hint
	}
	if p.Ceiling > 0 && d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}

func (p BackoffPolicy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// HintedBackOff adapts a BackoffPolicy to backoff.BackOff. Hint feeds a
// server-provided retry delay into the next NextBackOff call only.
type HintedBackOff struct {
	policy  BackoffPolicy
	attempt int
	hint    time.Duration
}

var _ backoff.BackOff = (*HintedBackOff)(nil)

// NewHintedBackOff wraps policy.
func NewHintedBackOff(policy BackoffPolicy) *HintedBackOff {
	return &HintedBackOff{policy: policy}
}

// Hint records the server's retry delay for the upcoming wait.
func (b *HintedBackOff) Hint(d time.Duration) { b.hint = d }

// NextBackOff implements backoff.BackOff.
func (b *HintedBackOff) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt, b.hint)
	b.attempt++
	b.hint = 0
	return d
}

// Reset implements backoff.BackOff.
func (b *HintedBackOff) Reset() {
	b.attempt = 0
	b.hint = 0
}
