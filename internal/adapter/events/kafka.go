package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/llm-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/llm-chat-gateway/internal/domain"
)

// DefaultTopic receives diagnostic events when none is configured.
const DefaultTopic = "llm-diagnostics"

// errTopicAlreadyExists is Kafka protocol error code TOPIC_ALREADY_EXISTS.
const errTopicAlreadyExists int16 = 36

// producer is the subset of *kgo.Client the sink uses.
type producer interface {
	TryProduce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// requester issues raw admin requests.
type requester interface {
	Request(ctx context.Context, req kmsg.Request) (kmsg.Response, error)
}

// KafkaSink publishes events as JSON records keyed by correlation id.
// Emit never blocks: records that do not fit the producer buffer are dropped.
type KafkaSink struct {
	client producer
	topic  string
}

// NewKafkaSink connects a producer to brokers and makes sure topic exists.
func NewKafkaSink(ctx context.Context, brokers []string, topic string, maxBuffered int) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.NewKafkaSink: no seed brokers provided")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if maxBuffered <= 0 {
		maxBuffered = 1000
	}
	tracing := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.WithHooks(tracing.Hooks()...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequestRetries(3),
		kgo.MaxBufferedRecords(maxBuffered),
		kgo.ProducerBatchMaxBytes(1_000_000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.NewKafkaSink: %w", err)
	}
	if err := ensureTopic(ctx, client, topic, 1, 1); err != nil {
		// the broker may auto-create or the topic may be managed elsewhere
		slog.Warn("could not ensure diagnostics topic", slog.String("topic", topic), slog.Any("error", err))
	}
	slog.Info("kafka diagnostics sink ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return newKafkaSink(client, topic), nil
}

func newKafkaSink(client producer, topic string) *KafkaSink {
	return &KafkaSink{client: client, topic: topic}
}

// Emit implements domain.EventSink.
func (k *KafkaSink) Emit(ctx context.Context, ev domain.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		observability.DiagnosticsDroppedTotal.WithLabelValues("kafka").Inc()
		return
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(ev.CorrelationID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	k.client.TryProduce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			observability.DiagnosticsDroppedTotal.WithLabelValues("kafka").Inc()
			slog.Debug("diagnostics record dropped", slog.String("correlation_id", string(r.Key)), slog.Any("error", err))
		}
	})
}

// Close flushes buffered records and closes the client.
func (k *KafkaSink) Close(ctx context.Context) error {
	err := k.client.Flush(ctx)
	k.client.Close()
	if err != nil {
		return fmt.Errorf("op=events.KafkaSink.Close: %w", err)
	}
	return nil
}

// ensureTopic creates topic unless it already exists.
func ensureTopic(ctx context.Context, client requester, topic string, partitions int32, replicationFactor int16) error {
	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000
	t := kmsg.NewCreateTopicsRequestTopic()
	t.Topic = topic
	t.NumPartitions = partitions
	t.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, t)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=events.ensureTopic: %w", err)
	}
	created, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("op=events.ensureTopic: unexpected response type %T", resp)
	}
	for _, tr := range created.Topics {
		if tr.ErrorCode == 0 || tr.ErrorCode == errTopicAlreadyExists {
			continue
		}
		msg := ""
		if tr.ErrorMessage != nil {
			msg = *tr.ErrorMessage
		}
		return fmt.Errorf("op=events.ensureTopic: %s (code %d)", msg, tr.ErrorCode)
	}
	return nil
}
