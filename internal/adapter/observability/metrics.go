package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	LLMAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_upstream_attempts_total",
			Help: "Upstream chat-completions attempts by model and outcome",
		},
		[]string{"model", "outcome"},
	)
	LLMAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_upstream_attempt_duration_seconds",
			Help:    "Time to upstream response headers in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"model"},
	)
	CredentialCooldownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_credential_cooldowns_total",
			Help: "Credentials placed in cooldown by error class",
		},
		[]string{"class"},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "llm_circuit_state",
			Help: "Circuit state per model (0=closed, 1=open, 2=half-open)",
		},
		[]string{"model"},
	)
	PacerPenaltySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "llm_pacer_penalty_seconds",
			Help: "Length of the most recent global rate-limit penalty window",
		},
	)
	StreamAbortsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_stream_aborts_total",
			Help: "Streams that ended without the end-of-stream marker",
		},
		[]string{"model"},
	)
	ResponseCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_response_cache_total",
			Help: "Response cache lookups by result",
		},
		[]string{"result"},
	)
	DiagnosticsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_diagnostics_dropped_total",
			Help: "Diagnostic events a sink could not deliver",
		},
		[]string{"sink"},
	)
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry. Repeated
// calls are no-ops.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			LLMAttemptsTotal,
			LLMAttemptDuration,
			CredentialCooldownsTotal,
			CircuitState,
			PacerPenaltySeconds,
			StreamAbortsTotal,
			ResponseCacheTotal,
			DiagnosticsDroppedTotal,
		)
	})
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveAttempt records one finished upstream attempt. outcome is "ok" or
// the lower-cased error class.
func ObserveAttempt(model, outcome string, elapsed time.Duration) {
	LLMAttemptsTotal.WithLabelValues(model, outcome).Inc()
	if elapsed > 0 {
		LLMAttemptDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	}
}

// SetCircuitState publishes the numeric circuit state for model.
func SetCircuitState(model string, state float64) {
	CircuitState.WithLabelValues(model).Set(state)
}
