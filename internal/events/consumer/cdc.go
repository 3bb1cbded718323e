package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/errkind"
	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// CDCOp is the operation carried by a change-data-capture record.
type CDCOp string

const (
	CDCInsert   CDCOp = "insert"
	CDCUpdate   CDCOp = "update"
	CDCDelete   CDCOp = "delete"
	CDCSnapshot CDCOp = "snapshot"
)

// CDCSource identifies where a change originated.
type CDCSource struct {
	DB        string    `json:"db"`
	Schema    string    `json:"schema"`
	Table     string    `json:"table"`
	Timestamp time.Time `json:"ts"`
}

// CDCRecord is the payload carried inside a CDC envelope. insert/update/
// snapshot require After; delete requires Before.
type CDCRecord struct {
	Op     CDCOp           `json:"op"`
	Before json.RawMessage `json:"before,omitempty"`
	After  json.RawMessage `json:"after,omitempty"`
	Source CDCSource       `json:"source"`
}

func (r CDCRecord) validate(maxSkew time.Duration) error {
	switch r.Op {
	case CDCInsert, CDCUpdate, CDCSnapshot:
		if len(r.After) == 0 {
			return errkind.New(errkind.InvalidInput, fmt.Sprintf("cdc record op=%s requires after", r.Op))
		}
	case CDCDelete:
		if len(r.Before) == 0 {
			return errkind.New(errkind.InvalidInput, "cdc record op=delete requires before")
		}
	default:
		return errkind.New(errkind.InvalidInput, fmt.Sprintf("unknown cdc op %q", r.Op))
	}
	if skew := time.Since(r.Source.Timestamp); skew > maxSkew || skew < -maxSkew {
		return errkind.New(errkind.InvalidInput, fmt.Sprintf("cdc source timestamp skew %s exceeds bound %s", skew, maxSkew))
	}
	return nil
}

// Projector applies a validated, deduplicated CDC record to a local
// read-optimized projection. Implementations must be idempotent: the
// same (table, primary key, op) applied twice leaves the same state.
type Projector interface {
	Apply(ctx context.Context, aggregateType string, record CDCRecord) error
}

// CDCConfig bounds how stale a CDC record's source timestamp may be
// before it is rejected as invalid rather than applied.
type CDCConfig struct {
	MaxSourceSkew time.Duration
}

func DefaultCDCConfig() CDCConfig {
	return CDCConfig{MaxSourceSkew: 5 * time.Minute}
}

// CDCHandler implements the five-step CDC pipeline: validate, dedup,
// transform, idempotent upsert, checkpoint-after-success. It satisfies
// the Handler interface consumed by Consumer.
type CDCHandler struct {
	config     CDCConfig
	dedup      *envelope.Deduplicator
	projector  Projector
	sequencer  *Sequencer
	log        *logger.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

func NewCDCHandler(config CDCConfig, dedup *envelope.Deduplicator, projector Projector, seq *Sequencer, log *logger.Logger, m *metrics.Metrics) *CDCHandler {
	return &CDCHandler{
		config:    config,
		dedup:     dedup,
		projector: projector,
		sequencer: seq,
		log:       log,
		metrics:   m,
		tracer:    trace.NewNoopTracerProvider().Tracer("cdc-handler"),
	}
}

// Handle implements consumer.Handler.
func (h *CDCHandler) Handle(ctx context.Context, e *envelope.Envelope, raw *sarama.ConsumerMessage) error {
	ctx, span := h.tracer.Start(ctx, "cdc.handle")
	defer span.End()

	if !h.dedup.ProcessOrSkip(e.EventID) {
		h.log.Debug("skipping duplicate cdc event", zap.String("event_id", e.EventID))
		return h.checkpoint(ctx, raw)
	}

	var record CDCRecord
	if err := json.Unmarshal(e.Payload, &record); err != nil {
		return errkind.Wrap(errkind.InvalidInput, "decode cdc record payload", err)
	}

	if err := record.validate(h.config.MaxSourceSkew); err != nil {
		h.log.Error("invalid cdc record",
			zap.Error(err),
			zap.String("aggregate_type", e.AggregateType),
			zap.String("aggregate_id", e.AggregateID))
		return err
	}

	if err := h.projector.Apply(ctx, e.AggregateType, record); err != nil {
		return fmt.Errorf("apply cdc record: %w", err)
	}

	return h.checkpoint(ctx, raw)
}

func (h *CDCHandler) checkpoint(ctx context.Context, raw *sarama.ConsumerMessage) error {
	if h.sequencer == nil || raw == nil {
		return nil
	}
	return h.sequencer.Complete(ctx, raw)
}

// upsertProjector is a Projector backed by a single generic materialized
// table keyed by (aggregate_type, primary key extracted from the After/
// Before JSON). It is a minimal default; services with richer projection
// needs provide their own Projector.
type upsertProjector struct {
	db database.DB
}

func NewUpsertProjector(db database.DB) Projector {
	return &upsertProjector{db: db}
}

func (p *upsertProjector) Apply(ctx context.Context, aggregateType string, record CDCRecord) error {
	switch record.Op {
	case CDCInsert, CDCUpdate, CDCSnapshot:
		var after map[string]any
		if err := json.Unmarshal(record.After, &after); err != nil {
			return errkind.Wrap(errkind.InvalidInput, "decode cdc after payload", err)
		}
		id, _ := after["id"].(string)
		if id == "" {
			return errkind.New(errkind.InvalidInput, "cdc after payload missing id")
		}
		const query = `
			INSERT INTO cdc_projections (aggregate_type, aggregate_id, data, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (aggregate_type, aggregate_id)
			DO UPDATE SET data = EXCLUDED.data, updated_at = now()`
		if _, err := p.db.Exec(ctx, query, aggregateType, id, record.After); err != nil {
			return errkind.Wrap(errkind.Unavailable, "upsert cdc projection", err)
		}
		return nil
	case CDCDelete:
		var before map[string]any
		if err := json.Unmarshal(record.Before, &before); err != nil {
			return errkind.Wrap(errkind.InvalidInput, "decode cdc before payload", err)
		}
		id, _ := before["id"].(string)
		if id == "" {
			return errkind.New(errkind.InvalidInput, "cdc before payload missing id")
		}
		if _, err := p.db.Exec(ctx, `DELETE FROM cdc_projections WHERE aggregate_type = $1 AND aggregate_id = $2`, aggregateType, id); err != nil {
			return errkind.Wrap(errkind.Unavailable, "delete cdc projection", err)
		}
		return nil
	default:
		return errkind.New(errkind.InvalidInput, fmt.Sprintf("unknown cdc op %q", record.Op))
	}
}
