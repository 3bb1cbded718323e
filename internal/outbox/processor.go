package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// Publisher is the narrow surface Processor needs from an event
// producer, satisfied by *publisher.Producer.
type Publisher interface {
	PublishEnvelope(ctx context.Context, topic string, e *envelope.Envelope) error
}

// Store is the narrow surface Processor needs from a backing outbox
// repository, satisfied by *Repository and *InMemoryRepository.
type Store interface {
	GetPendingMessages(ctx context.Context, limit int) ([]*Message, error)
	MarkAsPublished(ctx context.Context, messageID string) error
	MarkAttemptFailed(ctx context.Context, messageID string, errMsg string) (int, error)
	MarkPermanentlyFailed(ctx context.Context, messageID string) error
	CleanupPublishedMessages(ctx context.Context, olderThan time.Duration) (int64, error)
	CountPending(ctx context.Context) (int64, error)
}

// ProcessorConfig tunes the drain poller.
type ProcessorConfig struct {
	BatchSize       int
	PollingInterval time.Duration
	RetryDelay      time.Duration
	// MaxAttempts bounds the pathological-retry loop: once a row's
	// attempt_count reaches this, it is flipped to failed and no longer
	// selected by the drain query.
	MaxAttempts     int
	CleanupInterval time.Duration
	RetentionPeriod time.Duration
	SourceService   string
}

func DefaultConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:       100,
		PollingInterval: time.Second,
		RetryDelay:      5 * time.Second,
		MaxAttempts:     8,
		CleanupInterval: time.Hour,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// Processor drains pending rows in created_at order, publishes them,
// and marks the outcome. It never blocks a business transaction — the
// transaction that wrote the row has already committed by the time the
// processor sees it.
type Processor struct {
	config    ProcessorConfig
	repo      Store
	publisher Publisher
	log       *logger.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
}

func NewProcessor(config ProcessorConfig, repo Store, pub Publisher, log *logger.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		config:    config,
		repo:      repo,
		publisher: pub,
		log:       log,
		metrics:   m,
		tracer:    otel.GetTracerProvider().Tracer("outbox-processor"),
	}
}

// Start drains one batch synchronously (so a misconfiguration surfaces
// immediately at boot) then launches the polling and cleanup loops.
func (p *Processor) Start(ctx context.Context) error {
	p.log.Info("starting outbox processor",
		zap.Int("batch_size", p.config.BatchSize),
		zap.Duration("polling_interval", p.config.PollingInterval),
	)

	if err := p.processBatch(ctx); err != nil {
		return fmt.Errorf("process initial outbox batch: %w", err)
	}

	go p.processMessages(ctx)
	go p.runCleanup(ctx)

	return nil
}

func (p *Processor) processMessages(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.log.Error("failed to process outbox batch", zap.Error(err))
			}
		}
	}
}

func (p *Processor) processBatch(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	messages, err := p.repo.GetPendingMessages(ctx, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("get pending outbox messages: %w", err)
	}

	if p.metrics != nil {
		p.metrics.OutboxDrainBatch.Observe(float64(len(messages)))
	}
	if len(messages) == 0 {
		return nil
	}
	span.SetAttributes(attribute.Int("batch.size", len(messages)))

	for _, msg := range messages {
		p.processMessage(ctx, msg)
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, msg *Message) {
	ctx, span := p.tracer.Start(ctx, "outbox.process_message", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.event_type", string(msg.EventType)),
	))
	defer span.End()

	err := p.publisher.PublishEnvelope(ctx, msg.Topic, msg.Envelope(p.config.SourceService))
	if err == nil {
		if markErr := p.repo.MarkAsPublished(ctx, msg.ID); markErr != nil {
			p.log.Error("failed to mark outbox message published", zap.String("message_id", msg.ID), zap.Error(markErr))
			return
		}
		if p.metrics != nil {
			p.metrics.OutboxDrained.WithLabelValues("published").Inc()
		}
		return
	}

	p.log.Error("failed to publish outbox message", zap.String("message_id", msg.ID), zap.Error(err))

	attempts, markErr := p.repo.MarkAttemptFailed(ctx, msg.ID, err.Error())
	if markErr != nil {
		p.log.Error("failed to record outbox attempt failure", zap.String("message_id", msg.ID), zap.Error(markErr))
		return
	}

	if attempts >= p.config.MaxAttempts {
		p.log.Error("outbox message exceeded attempt bound; marking permanently failed",
			zap.String("message_id", msg.ID), zap.Int("attempts", attempts))
		if failErr := p.repo.MarkPermanentlyFailed(ctx, msg.ID); failErr != nil {
			p.log.Error("failed to mark outbox message permanently failed", zap.String("message_id", msg.ID), zap.Error(failErr))
		}
		if p.metrics != nil {
			p.metrics.OutboxAttemptsExhausted.Inc()
			p.metrics.OutboxDrained.WithLabelValues("exhausted").Inc()
		}
		return
	}

	if p.metrics != nil {
		p.metrics.OutboxDrained.WithLabelValues("retry").Inc()
	}
}

func (p *Processor) runCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := p.repo.CleanupPublishedMessages(ctx, p.config.RetentionPeriod)
			if err != nil {
				p.log.Error("failed to cleanup outbox messages", zap.Error(err))
				continue
			}
			if count > 0 {
				p.log.Info("cleaned up old outbox messages", zap.Int64("count", count))
			}
		}
	}
}

// ReportPending samples the backlog gauge; call periodically from a
// background loop or a job runner tick.
func (p *Processor) ReportPending(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	n, err := p.repo.CountPending(ctx)
	if err != nil {
		p.log.Warn("failed to sample outbox backlog", zap.Error(err))
		return
	}
	p.metrics.OutboxPending.Set(float64(n))
}
