package consumer

import (
	"context"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// SignalSink receives a batch of raw engagement/interaction events and
// turns them into ranking signal updates. Implemented by the feed
// package; kept as a narrow interface here so this consumer has no
// compile-time dependency on feed internals.
type SignalSink interface {
	IngestBatch(ctx context.Context, events []*envelope.Envelope) error
}

// AnalyticsConfig controls batch-by-N-or-T flushing.
type AnalyticsConfig struct {
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{BatchSize: 200, FlushInterval: 2 * time.Second}
}

// AnalyticsHandler batches incoming events and flushes them to a
// SignalSink when the batch reaches BatchSize, or when an event arrives
// after FlushInterval has elapsed since the batch was started. An idle
// batch is not flushed until the next event arrives. Satisfies the
// Handler interface.
type AnalyticsHandler struct {
	config AnalyticsConfig
	sink   SignalSink
	log    *logger.Logger
	metrics *metrics.Metrics
	tracer trace.Tracer

	mu      sync.Mutex
	batch   []*envelope.Envelope
	pending []*sarama.ConsumerMessage
	timer   *time.Timer
	seq     *Sequencer
}

func NewAnalyticsHandler(config AnalyticsConfig, sink SignalSink, seq *Sequencer, log *logger.Logger, m *metrics.Metrics) *AnalyticsHandler {
	h := &AnalyticsHandler{
		config:  config,
		sink:    sink,
		seq:     seq,
		log:     log,
		metrics: m,
		tracer:  trace.NewNoopTracerProvider().Tracer("analytics-handler"),
		batch:   make([]*envelope.Envelope, 0, config.BatchSize),
	}
	return h
}

// Handle implements consumer.Handler: it accumulates events and flushes
// synchronously once the batch is full. A background ticker is not used
// here because flushing must happen on the same goroutine that owns the
// sarama claim, to keep offset commits ordered with the flush.
func (h *AnalyticsHandler) Handle(ctx context.Context, e *envelope.Envelope, raw *sarama.ConsumerMessage) error {
	h.mu.Lock()
	h.batch = append(h.batch, e)
	h.pending = append(h.pending, raw)
	full := len(h.batch) >= h.config.BatchSize
	due := h.timer == nil
	if due {
		h.timer = time.NewTimer(h.config.FlushInterval)
	}
	h.mu.Unlock()

	if full || h.flushDue() {
		return h.flush(ctx)
	}
	return nil
}

func (h *AnalyticsHandler) flushDue() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer == nil {
		return false
	}
	select {
	case <-h.timer.C:
		return true
	default:
		return false
	}
}

func (h *AnalyticsHandler) flush(ctx context.Context) error {
	ctx, span := h.tracer.Start(ctx, "analytics.flush")
	defer span.End()

	h.mu.Lock()
	batch := h.batch
	pending := h.pending
	h.batch = make([]*envelope.Envelope, 0, h.config.BatchSize)
	h.pending = nil
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := h.sink.IngestBatch(ctx, batch); err != nil {
		h.log.Error("analytics batch ingest failed", zap.Error(err), zap.Int("batch_size", len(batch)))
		return err
	}

	if h.seq != nil {
		for _, raw := range pending {
			if raw == nil {
				continue
			}
			if err := h.seq.Complete(ctx, raw); err != nil {
				return err
			}
		}
	}
	return nil
}
