package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

const (
	HeaderOriginalTopic = "x-original-topic"
	HeaderFailureReason = "x-failure-reason"
	HeaderAttempts      = "x-attempts"
)

// DeadLetterConfig configures the dead-letter topic and retry ceiling for
// one consumer.
type DeadLetterConfig struct {
	Topic          string
	MaxRetries     int
	RetryBackoff   time.Duration
	ErrorThreshold int
}

// DeadLetterHandler retries a failed message up to MaxRetries times by
// republishing it to its original topic, then republishes it to Topic
// carrying the spec-exact failure headers so an operator can replay by
// x-original-topic. A retry copy's record timestamp is set
// attempts*RetryBackoff ahead, but the copy is sent at once and nothing
// delays its redelivery.
type DeadLetterHandler struct {
	config   DeadLetterConfig
	producer sarama.SyncProducer
	log      *logger.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer
}

func NewDeadLetterHandler(cfg DeadLetterConfig, producer sarama.SyncProducer, log *logger.Logger, m *metrics.Metrics) *DeadLetterHandler {
	return &DeadLetterHandler{
		config:   cfg,
		producer: producer,
		log:      log,
		metrics:  m,
		tracer:   otel.GetTracerProvider().Tracer("kafka-dlq"),
	}
}

// NewDeadLetterProducer opens a dedicated sync producer for dead-letter
// and retry republishing, separate from the idempotent domain-event
// producer in internal/events/publisher: DLQ traffic tolerates at-least-
// once duplication and doesn't need the single-in-flight-request
// constraint idempotency requires.
func NewDeadLetterProducer(brokers []string) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Return.Successes = true
	return sarama.NewSyncProducer(brokers, config)
}

// HandleFailedMessage retries the message if attempts remain, else routes
// it to the dead-letter topic.
func (h *DeadLetterHandler) HandleFailedMessage(ctx context.Context, msg *sarama.ConsumerMessage, failure error) error {
	ctx, span := h.tracer.Start(ctx, "dlq.handle_failed_message",
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", msg.Topic),
			attribute.String("messaging.message_id", string(msg.Key)),
			attribute.String("error", failure.Error()),
		),
	)
	defer span.End()

	attempts := attemptsFromHeaders(msg.Headers)

	if attempts < h.config.MaxRetries {
		return h.retry(ctx, msg, attempts+1)
	}

	return h.moveToDeadLetter(ctx, msg, failure, attempts)
}

func attemptsFromHeaders(headers []*sarama.RecordHeader) int {
	for _, header := range headers {
		if string(header.Key) == HeaderAttempts {
			return int(header.Value[0])
		}
	}
	return 0
}

func (h *DeadLetterHandler) retry(ctx context.Context, msg *sarama.ConsumerMessage, attempts int) error {
	retryMsg := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderAttempts), Value: []byte{byte(attempts)}},
		},
		Timestamp: time.Now().Add(time.Duration(attempts) * h.config.RetryBackoff),
	}
	for _, header := range msg.Headers {
		if string(header.Key) != HeaderAttempts {
			retryMsg.Headers = append(retryMsg.Headers, sarama.RecordHeader{Key: header.Key, Value: header.Value})
		}
	}

	_, _, err := h.producer.SendMessage(retryMsg)
	if err != nil {
		h.log.Error("failed to send retry message",
			zap.String("topic", msg.Topic),
			zap.String("key", string(msg.Key)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return fmt.Errorf("send retry message: %w", err)
	}

	if h.metrics != nil {
		h.metrics.RetryAttempts.WithLabelValues("dead_letter_retry").Inc()
	}
	return nil
}

func copyHeaders(headers []*sarama.RecordHeader) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, len(headers))
	for i, header := range headers {
		out[i] = sarama.RecordHeader{Key: header.Key, Value: header.Value}
	}
	return out
}

func (h *DeadLetterHandler) moveToDeadLetter(ctx context.Context, msg *sarama.ConsumerMessage, originalErr error, attempts int) error {
	dlqMsg := &sarama.ProducerMessage{
		Topic: h.config.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
		Headers: append(copyHeaders(msg.Headers),
			sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(msg.Topic)},
			sarama.RecordHeader{Key: []byte(HeaderFailureReason), Value: []byte(originalErr.Error())},
			sarama.RecordHeader{Key: []byte(HeaderAttempts), Value: []byte(fmt.Sprintf("%d", attempts))},
		),
	}

	_, _, err := h.producer.SendMessage(dlqMsg)
	if err != nil {
		h.log.Error("failed to send message to dead letter queue",
			zap.String("topic", msg.Topic),
			zap.String("key", string(msg.Key)),
			zap.Error(err),
		)
		return fmt.Errorf("send to dead letter queue: %w", err)
	}

	h.log.Info("message moved to dead letter queue",
		zap.String("original_topic", msg.Topic),
		zap.String("key", string(msg.Key)),
		zap.String("dlq_topic", h.config.Topic),
	)

	if h.metrics != nil {
		h.metrics.DeadLettered.WithLabelValues(msg.Topic, originalErr.Error()).Inc()
	}
	return nil
}
