package app

import (
	"context"
	"fmt"

	httpserver "github.com/fairyhunter13/llm-chat-gateway/internal/adapter/httpserver"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns a probe per configured backing service. Nil
// dependencies are skipped so a memory-only deployment is always ready.
func BuildReadinessChecks(pool Pinger, rdb RedisClient, upstreamKeys int) []httpserver.ReadinessCheck {
	checks := []httpserver.ReadinessCheck{{
		Name: "credentials",
		Check: func(context.Context) error {
			if upstreamKeys == 0 {
				return fmt.Errorf("no upstream api keys configured")
			}
			return nil
		},
	}}
	if pool != nil {
		checks = append(checks, httpserver.ReadinessCheck{Name: "db", Check: pool.Ping})
	}
	if rdb != nil {
		checks = append(checks, httpserver.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}
	return checks
}
