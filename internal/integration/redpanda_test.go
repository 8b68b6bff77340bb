//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/events"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// redpandaHostPort is bound on the host so the advertised address matches.
const redpandaHostPort = 19092

func startRedpanda(ctx context.Context, t *testing.T) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.3.7",
		ExposedPorts: []string{"9092/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--overprovisioned",
			"--smp", "1",
			"--memory", "256M",
			"--reserve-memory", "0M",
			"--check=false",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:9092",
			"--advertise-kafka-addr", fmt.Sprintf("PLAINTEXT://127.0.0.1:%d", redpandaHostPort),
			"--default-log-level=error",
			"--mode", "dev-container",
		},
		WaitingFor: wait.ForListeningPort("9092/tcp").WithStartupTimeout(60 * time.Second),
		HostConfigModifier: func(hc *containerTypes.HostConfig) {
			if hc.PortBindings == nil {
				hc.PortBindings = nat.PortMap{}
			}
			hc.PortBindings[nat.Port("9092/tcp")] = []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", redpandaHostPort)},
			}
		},
	}
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	return fmt.Sprintf("127.0.0.1:%d", redpandaHostPort)
}

func Test_KafkaSink_PublishesDiagnostics(t *testing.T) {
	ctx := context.Background()
	broker := startRedpanda(ctx, t)
	topic := fmt.Sprintf("diag-%d", time.Now().UnixNano())

	sink, err := events.NewKafkaSink(ctx, []string{broker}, topic, 100)
	require.NoError(t, err)

	sink.Emit(ctx, domain.Event{
		Kind:          domain.EventRequestError,
		CorrelationID: "cid-it",
		Model:         "openai/gpt-4o-mini",
		Status:        429,
		Class:         domain.ClassRateLimit,
		At:            time.Now(),
	})
	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, sink.Close(closeCtx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(broker),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	pollCtx, pollCancel := context.WithTimeout(ctx, 30*time.Second)
	defer pollCancel()
	var rec *kgo.Record
	for rec == nil {
		fetches := consumer.PollFetches(pollCtx)
		require.NoError(t, pollCtx.Err())
		fetches.EachRecord(func(r *kgo.Record) {
			if rec == nil {
				rec = r
			}
		})
	}

	assert.Equal(t, "cid-it", string(rec.Key))
	var ev domain.Event
	require.NoError(t, json.Unmarshal(rec.Value, &ev))
	assert.Equal(t, domain.EventRequestError, ev.Kind)
	assert.Equal(t, domain.ClassRateLimit, ev.Class)
	require.NotEmpty(t, rec.Headers)
	assert.Equal(t, "kind", rec.Headers[0].Key)
}
