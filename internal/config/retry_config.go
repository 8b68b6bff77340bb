package config

import (
	"time"
)

// ResilienceConfig groups the knobs of the upstream resilience layer.
type ResilienceConfig struct {
	// MaxRetries is the number of transport-level retries after the first attempt.
	MaxRetries int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential part of the delay.
	BackoffCap time.Duration
	// BackoffCeiling bounds the final delay, server hints included.
	BackoffCeiling time.Duration
	// MinInterval is the pacer's baseline spacing between attempts.
	MinInterval time.Duration
	// PenaltyInterval is the inflated spacing while a rate-limit penalty is active.
	PenaltyInterval time.Duration
	// AttemptTimeout bounds one upstream attempt.
	AttemptTimeout time.Duration
	// TokenBudget caps the estimated prompt size.
	TokenBudget int
}

// GetResilienceConfig returns the resilience configuration. Test environments
// get short delays so suites stay fast.
func (c Config) GetResilienceConfig() ResilienceConfig {
	rc := ResilienceConfig{
		MaxRetries:      c.TransportMaxRetries,
		BackoffBase:     c.BackoffBase,
		BackoffCap:      c.BackoffCap,
		BackoffCeiling:  c.BackoffCeiling,
		MinInterval:     c.PacerMinInterval,
		PenaltyInterval: c.PacerPenaltyInterval,
		AttemptTimeout:  c.AttemptTimeout,
		TokenBudget:     c.TokenBudget,
	}
	if c.IsTest() {
		rc.BackoffBase = time.Millisecond
		rc.BackoffCap = 5 * time.Millisecond
		rc.MinInterval = 0
		rc.PenaltyInterval = 0
	}
	return rc
}
