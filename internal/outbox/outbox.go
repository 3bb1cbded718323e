// Package outbox implements the transactional outbox (C4): a row is
// written to outbox_messages in the same transaction as the state
// change that produced it, then drained by a separate poller that
// publishes to Kafka and marks the row published. A business
// transaction and its event are therefore atomic without two-phase
// commit or CDC on the application tables themselves.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/errkind"
	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/logger"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
)

// Message is one outbox row: an envelope plus its delivery state.
type Message struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     envelope.Type
	Payload       json.RawMessage
	Topic         string
	Status        Status
	CreatedAt     time.Time
	PublishedAt   *time.Time
	AttemptCount  int
	ErrorMessage  string
	CorrelationID string
}

// FromEnvelope builds a pending outbox row for e, to be written inside
// the caller's business transaction.
func FromEnvelope(e *envelope.Envelope, topic string) (*Message, error) {
	return &Message{
		ID:            e.EventID,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		EventType:     e.EventType,
		Payload:       e.Payload,
		Topic:         topic,
		Status:        StatusPending,
		CreatedAt:     e.OccurredAt,
		CorrelationID: e.CorrelationID,
	}, nil
}

// Envelope reconstructs the wire envelope for publication.
func (m *Message) Envelope(sourceService string) *envelope.Envelope {
	return &envelope.Envelope{
		EventID:       m.ID,
		EventType:     m.EventType,
		AggregateType: m.AggregateType,
		AggregateID:   m.AggregateID,
		Payload:       m.Payload,
		SourceService: sourceService,
		CorrelationID: m.CorrelationID,
		OccurredAt:    m.CreatedAt,
		SchemaVersion: 1,
	}
}

// Repository persists outbox rows against Postgres. Drain reads use
// FOR UPDATE SKIP LOCKED so multiple processor replicas can poll the
// same table without contending on the same rows.
type Repository struct {
	db     database.DB
	log    *logger.Logger
	tracer trace.Tracer
}

func NewRepository(db database.DB, log *logger.Logger) *Repository {
	return &Repository{db: db, log: log, tracer: otel.GetTracerProvider().Tracer("outbox-repository")}
}

// Save writes msg. Call this inside the same transaction as the
// state change it describes — the caller is responsible for passing a
// database.DB bound to that transaction (see database.GetTx).
func (r *Repository) Save(ctx context.Context, msg *Message) error {
	ctx, span := r.tracer.Start(ctx, "outbox.save", trace.WithAttributes(
		attribute.String("message.id", msg.ID),
		attribute.String("message.event_type", string(msg.EventType)),
	))
	defer span.End()

	const query = `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type,
			payload, topic, status, created_at, attempt_count, correlation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := r.db.Exec(ctx, query,
		msg.ID, msg.AggregateType, msg.AggregateID, string(msg.EventType),
		msg.Payload, msg.Topic, msg.Status, msg.CreatedAt, msg.AttemptCount, msg.CorrelationID,
	)
	if err != nil {
		r.log.Error("failed to save outbox message", zap.String("message_id", msg.ID), zap.Error(err))
		return errkind.Wrap(errkind.Unavailable, "save outbox message", err)
	}
	return nil
}

// GetPendingMessages returns up to limit pending rows, oldest first,
// locking them against concurrent drainers.
func (r *Repository) GetPendingMessages(ctx context.Context, limit int) ([]*Message, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.get_pending", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	const query = `
		SELECT id, aggregate_type, aggregate_id, event_type,
		       payload, topic, status, created_at, published_at,
		       attempt_count, error_message, correlation_id
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := r.db.Query(ctx, query, StatusPending, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "query pending outbox messages", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var eventType string
		if err := rows.Scan(
			&m.ID, &m.AggregateType, &m.AggregateID, &eventType,
			&m.Payload, &m.Topic, &m.Status, &m.CreatedAt, &m.PublishedAt,
			&m.AttemptCount, &m.ErrorMessage, &m.CorrelationID,
		); err != nil {
			return nil, errkind.Wrap(errkind.Unavailable, "scan outbox message", err)
		}
		m.EventType = envelope.Type(eventType)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "iterate outbox messages", err)
	}
	return out, nil
}

func (r *Repository) MarkAsPublished(ctx context.Context, messageID string) error {
	ctx, span := r.tracer.Start(ctx, "outbox.mark_published", trace.WithAttributes(attribute.String("message.id", messageID)))
	defer span.End()

	now := time.Now()
	const query = `UPDATE outbox_messages SET status = $1, published_at = $2 WHERE id = $3`
	result, err := r.db.Exec(ctx, query, StatusPublished, now, messageID)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, "mark outbox message published", err)
	}
	if result.RowsAffected() == 0 {
		return errkind.New(errkind.NotFound, fmt.Sprintf("no outbox message with id %s", messageID))
	}
	return nil
}

// MarkAttemptFailed increments attempt_count and records the error. The
// caller decides, from the returned count, whether the pathological-loop
// bound has been hit and the row should be marked permanently failed.
func (r *Repository) MarkAttemptFailed(ctx context.Context, messageID string, errMsg string) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.mark_attempt_failed", trace.WithAttributes(
		attribute.String("message.id", messageID),
		attribute.String("error", errMsg),
	))
	defer span.End()

	const query = `
		UPDATE outbox_messages
		SET attempt_count = attempt_count + 1, error_message = $1
		WHERE id = $2
		RETURNING attempt_count`

	row := r.db.QueryRow(ctx, query, errMsg, messageID)
	var attempts int
	if err := row.Scan(&attempts); err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, "mark outbox attempt failed", err)
	}
	return attempts, nil
}

// MarkPermanentlyFailed flips the row to failed; the drain loop no
// longer selects it, and an operator must intervene (replay tooling,
// manual inspection) before it will publish.
func (r *Repository) MarkPermanentlyFailed(ctx context.Context, messageID string) error {
	const query = `UPDATE outbox_messages SET status = $1 WHERE id = $2`
	_, err := r.db.Exec(ctx, query, StatusFailed, messageID)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, "mark outbox message failed", err)
	}
	return nil
}

// CleanupPublishedMessages deletes published rows older than olderThan,
// bounding table growth now that Kafka (not this table) is durable
// history.
func (r *Repository) CleanupPublishedMessages(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.cleanup", trace.WithAttributes(attribute.String("cleanup.duration", olderThan.String())))
	defer span.End()

	cutoff := time.Now().Add(-olderThan)
	const query = `DELETE FROM outbox_messages WHERE status = $1 AND published_at < $2`
	result, err := r.db.Exec(ctx, query, StatusPublished, cutoff)
	if err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, "cleanup outbox messages", err)
	}

	n := result.RowsAffected()
	r.log.Info("cleaned up published outbox messages", zap.Int64("deleted_count", n), zap.Time("cutoff_time", cutoff))
	return n, nil
}

// CountPending reports backlog depth for the OutboxPending gauge.
func (r *Repository) CountPending(ctx context.Context) (int64, error) {
	row := r.db.QueryRow(ctx, `SELECT count(*) FROM outbox_messages WHERE status = $1`, StatusPending)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, errkind.Wrap(errkind.Unavailable, "count pending outbox messages", err)
	}
	return n, nil
}
