// Package publisher wraps the Kafka producer used by the outbox drain
// loop: idempotent sends, per-aggregate partition keys, and a circuit
// breaker around the broker so a Kafka outage degrades the outbox into
// a backlog instead of a panic.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/internal/resilience"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// Config holds Kafka producer configuration.
type Config struct {
	Brokers           []string
	RequiredAcks      sarama.RequiredAcks
	Compression       sarama.CompressionCodec
	MaxRetries        int
	RetryBackoff      time.Duration
	ConnectionTimeout time.Duration

	// MaxPublishesPerSecond caps this process's outbound publish rate as a
	// local token bucket, protecting the broker from a runaway outbox drain
	// loop independent of the circuit breaker's failure-based tripping.
	// Zero disables the limiter.
	MaxPublishesPerSecond float64
}

// Producer publishes envelopes to Kafka behind a named circuit breaker.
type Producer struct {
	producer sarama.SyncProducer
	circuit  *resilience.Circuit
	limiter  *rate.Limiter
	log      *logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewProducer(cfg Config, log *logger.Logger, m *metrics.Metrics) (*Producer, error) {
	config := sarama.NewConfig()

	config.Producer.RequiredAcks = cfg.RequiredAcks
	config.Producer.Compression = cfg.Compression
	config.Producer.Retry.Max = cfg.MaxRetries
	config.Producer.Retry.Backoff = cfg.RetryBackoff

	config.Net.DialTimeout = cfg.ConnectionTimeout
	config.Net.ReadTimeout = cfg.ConnectionTimeout
	config.Net.WriteTimeout = cfg.ConnectionTimeout

	// Idempotent delivery requires acks=all and a single in-flight request
	// per connection; ordering per partition is preserved.
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1
	config.Producer.Return.Successes = true

	sp, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	var limiter *rate.Limiter
	if cfg.MaxPublishesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.MaxPublishesPerSecond), int(cfg.MaxPublishesPerSecond))
	}

	return &Producer{
		producer: sp,
		circuit:  resilience.NewCircuit(resilience.KafkaPreset().Circuit, m),
		limiter:  limiter,
		log:      log,
		metrics:  m,
		tracer:   trace.NewNoopTracerProvider().Tracer("kafka-producer"),
	}, nil
}

// PartitionKey returns the partition key for an envelope: aggregate_id
// for per-aggregate ordering, except messaging events which use a
// composite key of the two participant ids so either side's view stays
// ordered against the same partition.
func PartitionKey(e *envelope.Envelope) string {
	if e.EventType == envelope.MessagingEvent && e.Headers["peer_id"] != "" {
		return compositeKey(e.AggregateID, e.Headers["peer_id"])
	}
	return e.AggregateID
}

func compositeKey(a, b string) string {
	if a < b {
		return a + ":" + b
	}
	return b + ":" + a
}

// Publish sends one message to topic, partitioned by key, through the
// Kafka circuit breaker.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit publish: %w", err)
		}
	}

	ctx, span := p.tracer.Start(ctx, "kafka.publish",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", topic),
			attribute.String("messaging.message_id", key),
			attribute.Int("messaging.message_payload_size_bytes", len(value)),
		),
	)
	defer span.End()

	headers := make([]sarama.RecordHeader, 0, 1)
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte("trace_id"),
			Value: []byte(span.SpanContext().TraceID().String()),
		})
	}

	msg := &sarama.ProducerMessage{
		Topic:   topic,
		Key:     sarama.StringEncoder(key),
		Value:   sarama.ByteEncoder(value),
		Headers: headers,
	}

	err := p.circuit.Execute(ctx, func(ctx context.Context) error {
		partition, offset, sendErr := p.producer.SendMessage(msg)
		if sendErr != nil {
			return sendErr
		}
		span.SetAttributes(
			attribute.Int64("messaging.kafka.partition", int64(partition)),
			attribute.Int64("messaging.kafka.offset", offset),
		)
		return nil
	})
	if err != nil {
		p.log.Error("failed to publish message", zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if p.metrics != nil {
			p.metrics.EventsPublished.WithLabelValues(topic, "failure").Inc()
		}
		return fmt.Errorf("publish message: %w", err)
	}

	if p.metrics != nil {
		p.metrics.EventsPublished.WithLabelValues(topic, "success").Inc()
	}
	return nil
}

// PublishEnvelope marshals and publishes e, keyed per PartitionKey.
func (p *Producer) PublishEnvelope(ctx context.Context, topic string, e *envelope.Envelope) error {
	data, err := e.Marshal()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.Publish(ctx, topic, PartitionKey(e), data)
}

func (p *Producer) Close() error {
	if err := p.producer.Close(); err != nil {
		p.log.Error("failed to close kafka producer", zap.Error(err))
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}

// Ping checks broker connectivity without requiring a pre-existing topic.
func (p *Producer) Ping() error {
	msg := &sarama.ProducerMessage{Topic: "__health_check", Value: sarama.StringEncoder("ping")}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		if err == sarama.ErrUnknownTopicOrPartition {
			return nil
		}
		return fmt.Errorf("ping kafka: %w", err)
	}
	return nil
}
