package ai

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestNewCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker("test-model")
	assert.NotNil(t, cb)
	assert.Equal(t, "test-model", cb.modelID)
	assert.Equal(t, CircuitClosed, cb.state)
	assert.Equal(t, 3, cb.failureThreshold)
	assert.Equal(t, 5*time.Minute, cb.openDuration)
	assert.Equal(t, HealthOK, cb.Health())
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("m")
	cb.now = clock.Now

	cb.RecordFailure()
	cb.RecordFailure()
	assert.False(t, cb.IsOpen())
	assert.Equal(t, HealthDegraded, cb.Health())

	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
	assert.Equal(t, HealthOpen, cb.Health())
	assert.Equal(t, CircuitOpen, cb.GetState())
}

func TestCircuitBreaker_SuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker("m")
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.True(t, cb.IsOpen())

	cb.RecordSuccess()
	assert.False(t, cb.IsOpen())
	assert.Equal(t, HealthOK, cb.Health())
	assert.Equal(t, 0, cb.failureCount)
}

func TestCircuitBreaker_HalfOpenAfterWindow(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("m")
	cb.now = clock.Now
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.Advance(4 * time.Minute)
	assert.True(t, cb.IsOpen())

	clock.Advance(time.Minute)
	assert.False(t, cb.IsOpen())
	assert.Equal(t, CircuitHalfOpen, cb.GetState())
	assert.Equal(t, HealthDegraded, cb.Health())

	// a single failure while half-open reopens the circuit
	cb.RecordFailure()
	assert.True(t, cb.IsOpen())
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb := NewCircuitBreaker("m")
	cb.RecordSuccess()
	cb.RecordFailure()

	st := cb.GetStats()
	assert.Equal(t, "m", st.Model)
	assert.Equal(t, "closed", st.State)
	assert.Equal(t, HealthDegraded, st.Health)
	assert.Equal(t, 2, st.TotalRequests)
	assert.Equal(t, 1, st.TotalFailures)
	assert.NotNil(t, st.LastFailure)
	assert.NotNil(t, st.LastSuccess)
	assert.Nil(t, st.OpenUntil)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(99).String())
}

func TestCircuitBreakerManager(t *testing.T) {
	cbm := NewCircuitBreakerManager()
	assert.False(t, cbm.IsOpen("unknown"))
	assert.Equal(t, HealthOK, cbm.Health("unknown"))

	assert.Same(t, cbm.GetBreaker("a"), cbm.GetBreaker("a"))

	for i := 0; i < 3; i++ {
		cbm.RecordFailure("b")
	}
	assert.True(t, cbm.IsOpen("b"))
	assert.False(t, cbm.IsOpen("a"))

	cbm.RecordSuccess("b")
	assert.False(t, cbm.IsOpen("b"))

	stats := cbm.GetAllStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Model)
	assert.Equal(t, "b", stats[1].Model)
}

func TestCircuitBreakerManager_Concurrent(t *testing.T) {
	cbm := NewCircuitBreakerManager()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				cbm.RecordFailure("m")
			} else {
				_ = cbm.IsOpen("m")
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 25, cbm.GetBreaker("m").GetStats().TotalFailures)
}
