// Package envelope defines the canonical event envelope shared by the
// outbox, producer, and every consumer, and the closed registry of event
// types that may appear on the wire.
package envelope

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is a dotted, stable event type drawn from a closed registry.
type Type string

const (
	UserCreated         Type = "identity.user.created"
	UserPasswordChanged Type = "identity.user.password_changed"
	UserTwoFAEnabled    Type = "identity.user.two_fa_enabled"
	UserDeleted         Type = "identity.user.deleted"
	UserProfileUpdated  Type = "identity.user.profile_updated"

	CDCPost    Type = "cdc.posts"
	CDCFollow  Type = "cdc.follows"
	CDCComment Type = "cdc.comments"
	CDCLike    Type = "cdc.likes"

	FeedEvent         Type = "feed.events"
	MessagingEvent    Type = "messaging.events"
	NotificationEvent Type = "notification.events"
	FeedInvalidate    Type = "feed.invalidate"
)

// Envelope is the canonical event (E in the data model): event_id is
// assigned once at creation and never rewritten; aggregate_id is always
// the partition key.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     Type            `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	SourceService string          `json:"source_service"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SchemaVersion int             `json:"schema_version"`
	// Headers carries wire metadata beyond correlation_id (e.g. upstream
	// tracing baggage) — additive over the original data model, matching
	// the original Rust envelope's header bag.
	Headers map[string]string `json:"headers,omitempty"`
}

// New stamps event_id, occurred_at, and correlation_id (propagated from
// ctx if present, else generated) and returns a ready-to-persist envelope.
func New(ctx context.Context, eventType Type, aggregateType, aggregateID, sourceService string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Payload:       data,
		SourceService: sourceService,
		CorrelationID: CorrelationIDFrom(ctx),
		OccurredAt:    time.Now().UTC(),
		SchemaVersion: 1,
	}, nil
}

func (e *Envelope) Marshal() ([]byte, error)     { return json.Marshal(e) }
func (e *Envelope) Unmarshal(data []byte) error  { return json.Unmarshal(data, e) }

type ctxKey struct{}

// WithCorrelationID stores a correlation id on ctx for ambient propagation
// across component boundaries (broker consume, job tick, outbox drain).
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// CorrelationIDFrom reads the ambient correlation id, generating one if
// the context carries none.
func CorrelationIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
