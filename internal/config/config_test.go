package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenRouterBaseURL)
	assert.Equal(t, 35*time.Second, cfg.UpstreamTimeout)
	assert.Equal(t, 30*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, 2, cfg.TransportMaxRetries)
	assert.Equal(t, 600*time.Millisecond, cfg.PacerMinInterval)
	assert.Equal(t, 1500*time.Millisecond, cfg.PacerPenaltyInterval)
	assert.Equal(t, 8000, cfg.HistoryMaxChars)
	assert.Equal(t, 4000, cfg.TokenBudget)
	assert.Equal(t, "memory", cfg.StateStore)
	assert.False(t, cfg.AuthEnabled())
	assert.False(t, cfg.DiagnosticsKafkaEnabled())
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func Test_Load_UnknownStateStore(t *testing.T) {
	t.Setenv("STATE_STORE", "etcd")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=config.Load")
}

func Test_Load_InvalidDuration(t *testing.T) {
	t.Setenv("UPSTREAM_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
}

func TestConfig_APIKeys(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEYS", "sk-a, sk-b ,,sk-a")
	t.Setenv("OPENROUTER_API_KEY", "sk-c")
	t.Setenv("OPENROUTER_API_KEY_2", "sk-b")
	t.Setenv("OPENROUTER_API_KEY_3", " ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-a", "sk-b", "sk-c"}, cfg.APIKeys())
}

func TestConfig_AuthAndKafkaToggles(t *testing.T) {
	t.Setenv("API_TOKEN", "secret")
	t.Setenv("KAFKA_BROKERS", "localhost:19092,localhost:29092")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AuthEnabled())
	assert.True(t, cfg.DiagnosticsKafkaEnabled())
	assert.Len(t, cfg.KafkaBrokers, 2)
}

func TestConfig_GetResilienceConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	rc := cfg.GetResilienceConfig()
	assert.Equal(t, 500*time.Millisecond, rc.BackoffBase)
	assert.Equal(t, 5*time.Second, rc.BackoffCap)
	assert.Equal(t, 5*time.Minute, rc.BackoffCeiling)
	assert.Equal(t, 600*time.Millisecond, rc.MinInterval)

	cfg.AppEnv = "test"
	rc = cfg.GetResilienceConfig()
	assert.Equal(t, time.Millisecond, rc.BackoffBase)
	assert.Zero(t, rc.MinInterval)
	assert.Equal(t, 2, rc.MaxRetries)
}
