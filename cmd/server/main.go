// Command server starts the LLM chat gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/ai"
	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/ai/tokencount"
	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/events"
	httpserver "github.com/fairyhunter13/llm-chat-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/store"
	"github.com/fairyhunter13/llm-chat-gateway/internal/app"
	"github.com/fairyhunter13/llm-chat-gateway/internal/config"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
	"github.com/fairyhunter13/llm-chat-gateway/internal/service/catalog"
	"github.com/fairyhunter13/llm-chat-gateway/internal/service/ratelimiter"
)

// credentialStateTTL bounds how long persisted credential health survives
// without updates.
const credentialStateTTL = 24 * time.Hour

func main() {
	hashToken := flag.String("hash-token", "", "print an Argon2id hash of the given token for API_TOKEN_HASH and exit")
	flag.Parse()
	if *hashToken != "" {
		encoded, err := httpserver.HashToken(*hashToken, httpserver.DefaultArgon2Params)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(encoded)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Credential health store
	var (
		kv   domain.KVStore
		rdb  *redis.Client
		pool *pgxpool.Pool
	)
	switch cfg.StateStore {
	case "redis":
		rdb, err = store.NewRedisClient(cfg.RedisURL)
		if err != nil {
			slog.Error("redis config invalid", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = rdb.Close() }()
		kv = store.NewRedis(rdb, "gateway:", credentialStateTTL)
	case "postgres":
		pool, err = store.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		pg := store.NewPostgres(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("db schema failed", slog.Any("error", err))
			os.Exit(1)
		}
		kv = pg
	default:
		kv = store.NewMemory()
	}
	slog.Info("credential state store ready", slog.String("store", cfg.StateStore))

	// Diagnostics: structured logs, the in-memory feed, and optionally Kafka.
	ring := events.NewRing(cfg.DiagnosticsBuffer)
	sinks := events.Fanout{events.LogSink{}, ring}
	if cfg.DiagnosticsKafkaEnabled() {
		ks, err := events.NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.DiagnosticsTopic, cfg.DiagnosticsBuffer)
		if err != nil {
			slog.Error("kafka diagnostics disabled", slog.Any("error", err))
		} else {
			sinks = append(sinks, ks)
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := ks.Close(closeCtx); err != nil {
					slog.Warn("kafka flush failed", slog.Any("error", err))
				}
			}()
		}
	}

	// Resilience layer
	rcfg := cfg.GetResilienceConfig()
	pacer := ai.NewPacer(ai.PacerConfig{MinInterval: rcfg.MinInterval, PenaltyInterval: rcfg.PenaltyInterval})
	rc := ai.ResilienceContext{
		Credentials: ai.NewCredentialPool(kv, ai.DefaultCooldownPolicy()),
		Circuits:    ai.NewCircuitBreakerManager(),
		Pacer:       pacer,
	}
	transport := ai.NewTransport(ai.TransportConfig{
		BaseURL:    cfg.OpenRouterBaseURL,
		Referer:    cfg.OpenRouterReferer,
		Title:      cfg.OpenRouterTitle,
		MaxRetries: rcfg.MaxRetries,
		Backoff: ai.BackoffPolicy{
			Base:    rcfg.BackoffBase,
			Cap:     rcfg.BackoffCap,
			Ceiling: rcfg.BackoffCeiling,
		},
		AttemptTimeout: rcfg.AttemptTimeout,
	}, nil, pacer, sinks)

	caps := ai.DefaultCapabilities()
	if cfg.ModelCapsFile != "" {
		caps, err = ai.LoadCapabilities(cfg.ModelCapsFile)
		if err != nil {
			slog.Error("model capability file invalid", slog.Any("error", err))
			os.Exit(1)
		}
	}

	keys := cfg.APIKeys()
	if len(keys) == 0 {
		slog.Warn("no upstream api keys configured; chat requests will fail with NO_CREDENTIALS")
	}
	orch := ai.NewOrchestrator(ai.OrchestratorConfig{
		Keys:         keys,
		DefaultModel: cfg.DefaultModel,
		CodeModel:    cfg.CodeModel,
		TokenBudget:  rcfg.TokenBudget,
	}, rc, transport, caps, tokencount.NewEstimator(tokencount.NewCounter()), sinks)
	chat := ai.NewResponseCache(orch, cfg.ResponseCacheTTL, cfg.ResponseCacheSize)

	var catalogKey string
	if len(keys) > 0 {
		catalogKey = keys[0]
	}
	models := catalog.New(cfg.OpenRouterBaseURL, catalogKey, cfg.ModelsCacheTTL, nil)
	go func() {
		warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := models.Refresh(warmCtx); err != nil {
			slog.Warn("model catalog warm-up failed", slog.Any("error", err))
		}
	}()

	// Shared rate limiting when Redis is available; otherwise the router
	// falls back to a per-instance limiter.
	var limiter ratelimiter.Limiter
	if rdb != nil && cfg.RateLimitPerMin > 0 {
		limiter = ratelimiter.NewRedisLuaLimiter(rdb, ratelimiter.NewBucketConfigFromPerMinute(cfg.RateLimitPerMin), "")
	}

	var (
		pinger app.Pinger
		redisC app.RedisClient
	)
	if pool != nil {
		pinger = pool
	}
	if rdb != nil {
		redisC = app.RedisAdapter{Client: rdb}
	}
	checks := app.BuildReadinessChecks(pinger, redisC, len(keys))

	srv := httpserver.NewServer(cfg, chat, orch, models, ring, checks...)
	handler := app.BuildRouter(cfg, srv, limiter)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting",
			slog.Int("port", cfg.Port),
			slog.Int("api_keys", len(keys)),
			slog.String("default_model", cfg.DefaultModel))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
