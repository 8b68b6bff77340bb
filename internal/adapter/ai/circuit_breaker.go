package ai

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// CircuitClosed indicates the circuit is allowing requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is blocking requests due to failures.
	CircuitOpen
	// CircuitHalfOpen indicates the open window elapsed and the next outcome decides.
	CircuitHalfOpen
)

// CircuitHealth is the coarse health reported to callers.
type CircuitHealth string

const (
	HealthOK       CircuitHealth = "ok"
	HealthDegraded CircuitHealth = "degraded"
	HealthOpen     CircuitHealth = "open"
)

const (
	defaultFailureThreshold = 3
	defaultOpenDuration     = 5 * time.Minute
)

// CircuitBreaker tracks consecutive failures of one model.
type CircuitBreaker struct {
	mu               sync.RWMutex
	modelID          string
	failureThreshold int
	openDuration     time.Duration
	state            CircuitState
	failureCount     int
	openUntil        time.Time
	lastFailureTime  time.Time
	lastSuccessTime  time.Time
	totalRequests    int
	totalFailures    int
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker for a specific model
func NewCircuitBreaker(modelID string) *CircuitBreaker {
	return &CircuitBreaker{
		modelID:          modelID,
		failureThreshold: defaultFailureThreshold,
		openDuration:     defaultOpenDuration,
		state:            CircuitClosed,
		now:              time.Now,
	}
}

// stateLocked resolves an expired open window into half-open. Caller holds mu.
func (cb *CircuitBreaker) stateLocked(now time.Time) CircuitState {
	if cb.state == CircuitOpen && !now.Before(cb.openUntil) {
		return CircuitHalfOpen
	}
	return cb.state
}

// IsOpen reports whether requests to the model should be diverted.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stateLocked(cb.now()) == CircuitOpen
}

// RecordSuccess closes the circuit and clears the failure streak.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.stateLocked(cb.now())
	cb.totalRequests++
	cb.lastSuccessTime = cb.now()
	cb.failureCount = 0
	cb.state = CircuitClosed
	cb.openUntil = time.Time{}
	if prev != CircuitClosed {
		slog.Info("circuit breaker closed after successful request",
			slog.String("model", cb.modelID),
			slog.String("previous_state", prev.String()))
	}
	observability.SetCircuitState(cb.modelID, float64(CircuitClosed))
}

// RecordFailure extends the failure streak and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.failureCount++
	cb.totalFailures++
	cb.totalRequests++
	cb.lastFailureTime = now

	if cb.failureCount >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openUntil = now.Add(cb.openDuration)
		slog.Warn("circuit breaker opened due to consecutive failures",
			slog.String("model", cb.modelID),
			slog.Int("failure_count", cb.failureCount),
			slog.Int("threshold", cb.failureThreshold),
			slog.Time("open_until", cb.openUntil))
		observability.SetCircuitState(cb.modelID, float64(CircuitOpen))
	}
}

// GetState returns the current circuit state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stateLocked(cb.now())
}

// Health maps the state to ok, degraded or open.
func (cb *CircuitBreaker) Health() CircuitHealth {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	switch cb.stateLocked(cb.now()) {
	case CircuitOpen:
		return HealthOpen
	case CircuitHalfOpen:
		return HealthDegraded
	default:
		if cb.failureCount > 0 {
			return HealthDegraded
		}
		return HealthOK
	}
}

// CircuitStats is a point-in-time view of one breaker.
type CircuitStats struct {
	Model         string        `json:"model"`
	State         string        `json:"state"`
	Health        CircuitHealth `json:"health"`
	FailureCount  int           `json:"failure_count"`
	TotalRequests int           `json:"total_requests"`
	TotalFailures int           `json:"total_failures"`
	OpenUntil     *time.Time    `json:"open_until,omitempty"`
	LastFailure   *time.Time    `json:"last_failure,omitempty"`
	LastSuccess   *time.Time    `json:"last_success,omitempty"`
}

// GetStats returns circuit breaker statistics
func (cb *CircuitBreaker) GetStats() CircuitStats {
	state, health := cb.GetState(), cb.Health()
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	st := CircuitStats{
		Model:         cb.modelID,
		State:         state.String(),
		Health:        health,
		FailureCount:  cb.failureCount,
		TotalRequests: cb.totalRequests,
		TotalFailures: cb.totalFailures,
	}
	if !cb.openUntil.IsZero() {
		t := cb.openUntil
		st.OpenUntil = &t
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		st.LastFailure = &t
	}
	if !cb.lastSuccessTime.IsZero() {
		t := cb.lastSuccessTime
		st.LastSuccess = &t
	}
	return st
}

// String returns a string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerManager is the process-wide circuit table keyed by model id.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	now      func() time.Time
}

// NewCircuitBreakerManager creates a new circuit breaker manager
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		now:      time.Now,
	}
}

// GetBreaker returns or creates a circuit breaker for a specific model
func (cbm *CircuitBreakerManager) GetBreaker(modelID string) *CircuitBreaker {
	cbm.mu.Lock()
	defer cbm.mu.Unlock()

	if breaker, exists := cbm.breakers[modelID]; exists {
		return breaker
	}

	breaker := NewCircuitBreaker(modelID)
	breaker.now = cbm.now
	cbm.breakers[modelID] = breaker
	return breaker
}

// IsOpen reports whether the model's circuit is open. Unknown models are closed.
func (cbm *CircuitBreakerManager) IsOpen(modelID string) bool {
	cbm.mu.RLock()
	breaker, ok := cbm.breakers[modelID]
	cbm.mu.RUnlock()
	return ok && breaker.IsOpen()
}

// RecordSuccess records a successful request for the model.
func (cbm *CircuitBreakerManager) RecordSuccess(modelID string) {
	cbm.GetBreaker(modelID).RecordSuccess()
}

// RecordFailure records a failed request for the model.
func (cbm *CircuitBreakerManager) RecordFailure(modelID string) {
	cbm.GetBreaker(modelID).RecordFailure()
}

// Health returns the model's circuit health. Unknown models are ok.
func (cbm *CircuitBreakerManager) Health(modelID string) CircuitHealth {
	cbm.mu.RLock()
	breaker, ok := cbm.breakers[modelID]
	cbm.mu.RUnlock()
	if !ok {
		return HealthOK
	}
	return breaker.Health()
}

// GetAllStats returns statistics for all circuit breakers, sorted by model.
func (cbm *CircuitBreakerManager) GetAllStats() []CircuitStats {
	cbm.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(cbm.breakers))
	for _, b := range cbm.breakers {
		breakers = append(breakers, b)
	}
	cbm.mu.RUnlock()

	stats := make([]CircuitStats, 0, len(breakers))
	for _, b := range breakers {
		stats = append(stats, b.GetStats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Model < stats[j].Model })
	return stats
}
