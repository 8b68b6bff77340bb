package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/llm-chat-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/config"
	"github.com/fairyhunter13/llm-chat-gateway/internal/service/ratelimiter"
)

// RedisAdapter exposes a go-redis client through RedisClient.
type RedisAdapter struct{ Client redis.UniversalClient }

// Ping implements RedisClient.
func (a RedisAdapter) Ping(ctx context.Context) RedisPingResult { return a.Client.Ping(ctx) }

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// handlerSlack gives the gateway time to render an error envelope before the
// outer timeout fires.
const handlerSlack = 5 * time.Second

// BuildRouter constructs the HTTP handler with all middlewares and routes.
// When limiter is nil the API is throttled per instance with httprate.
func BuildRouter(cfg config.Config, srv *httpserver.Server, limiter ratelimiter.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Correlation-Id", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(httpserver.BearerAuth(cfg))

		api.Group(func(g chi.Router) {
			g.Use(httpserver.TimeoutMiddleware(cfg.UpstreamTimeout + handlerSlack))
			g.Get("/models", srv.ModelsHandler())
			g.Get("/status", srv.StatusHandler())
			g.Get("/diagnostics", srv.DiagnosticsHandler())
		})

		api.Group(func(g chi.Router) {
			if limiter != nil {
				g.Use(httpserver.RateLimit(limiter))
			} else if cfg.RateLimitPerMin > 0 {
				g.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
			}
			g.With(httpserver.TimeoutMiddleware(cfg.UpstreamTimeout + handlerSlack)).Post("/chat", srv.ChatHandler())
			g.Post("/chat/stream", srv.ChatStreamHandler())
		})
	})

	return httpserver.SecurityHeaders(r)
}
