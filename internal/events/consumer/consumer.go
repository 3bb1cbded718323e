// Package consumer wraps sarama's consumer group API behind the
// envelope type: every handler receives a decoded *envelope.Envelope,
// together with the raw sarama.ConsumerMessage it was decoded from.
package consumer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// Config holds Kafka consumer group configuration.
type Config struct {
	Brokers          []string
	GroupID          string
	Topics           []string
	InitialOffset    int64
	MinBytes         int
	MaxBytes         int
	MaxWait          time.Duration
	SessionTimeout   time.Duration
	RebalanceTimeout time.Duration
}

// Handler processes one decoded envelope. Returning an error leaves the
// offset uncommitted; the caller decides whether to retry or dead-letter.
type Handler interface {
	Handle(ctx context.Context, e *envelope.Envelope, raw *sarama.ConsumerMessage) error
}

type Consumer struct {
	consumer   sarama.ConsumerGroup
	handler    Handler
	deadLetter *DeadLetterHandler
	log        *logger.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	topics     []string
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
}

// WithDeadLetter attaches a dead-letter handler: on handler.Handle error,
// ConsumeClaim routes the message through it instead of leaving the
// offset uncommitted forever.
func (c *Consumer) WithDeadLetter(dl *DeadLetterHandler) *Consumer {
	c.deadLetter = dl
	return c
}

func NewConsumer(cfg Config, handler Handler, log *logger.Logger, m *metrics.Metrics) (*Consumer, error) {
	config := sarama.NewConfig()

	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = cfg.InitialOffset
	config.Consumer.MaxProcessingTime = cfg.MaxWait
	config.Consumer.Fetch.Min = int32(cfg.MinBytes)
	config.Consumer.Fetch.Max = int32(cfg.MaxBytes)
	config.Consumer.Group.Session.Timeout = cfg.SessionTimeout
	config.Consumer.Group.Rebalance.Timeout = cfg.RebalanceTimeout

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		consumer: group,
		handler:  handler,
		log:      log,
		metrics:  m,
		tracer:   otel.GetTracerProvider().Tracer("kafka-consumer"),
		topics:   cfg.Topics,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (c *Consumer) Start() error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			default:
				if err := c.consumer.Consume(c.ctx, c.topics, c); err != nil {
					c.log.Error("error from consumer", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return c.consumer.Close()
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := c.extractContext(msg)
		ctx, span := c.tracer.Start(ctx, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
				attribute.Int64("messaging.kafka.offset", msg.Offset),
				attribute.Int64("messaging.kafka.partition", int64(msg.Partition)),
				attribute.String("messaging.message_id", string(msg.Key)),
			),
		)

		start := time.Now()
		var e envelope.Envelope
		if err := e.Unmarshal(msg.Value); err != nil {
			c.log.Error("failed to decode envelope", zap.String("topic", msg.Topic), zap.Error(err))
			span.RecordError(err)
			span.End()
			session.MarkMessage(msg, "")
			continue
		}

		err := c.handler.Handle(ctx, &e, msg)
		status := "success"
		if err != nil {
			status = "error"
			c.log.Error("failed to handle message",
				zap.String("topic", msg.Topic),
				zap.Int32("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

			if c.deadLetter != nil {
				if dlqErr := c.deadLetter.HandleFailedMessage(ctx, msg, err); dlqErr != nil {
					c.log.Error("dead-letter handling failed, leaving offset uncommitted",
						zap.String("topic", msg.Topic),
						zap.Int64("offset", msg.Offset),
						zap.Error(dlqErr),
					)
				} else {
					status = "dead_lettered"
					session.MarkMessage(msg, "")
				}
			}
		} else {
			session.MarkMessage(msg, "")
		}

		if c.metrics != nil {
			c.metrics.EventsConsumed.WithLabelValues(msg.Topic, status).Inc()
			c.metrics.EventProcessingDuration.WithLabelValues(msg.Topic, fmt.Sprintf("%T", c.handler)).Observe(time.Since(start).Seconds())
		}

		span.End()
	}
	return nil
}

func (c *Consumer) extractContext(msg *sarama.ConsumerMessage) context.Context {
	ctx := context.Background()
	propagator := otel.GetTextMapPropagator()
	carrier := propagation.HeaderCarrier{}
	for _, h := range msg.Headers {
		carrier[string(h.Key)] = []string{string(h.Value)}
	}
	return propagator.Extract(ctx, carrier)
}

func (c *Consumer) Ping() error {
	if c.consumer == nil {
		return fmt.Errorf("consumer not initialized")
	}
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("consumer is stopped")
	default:
		return nil
	}
}
