package consumer_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/events/consumer"
	"github.com/nova-social/backend/internal/events/envelope"
)

type fakeProjector struct {
	applied []consumer.CDCRecord
}

func (f *fakeProjector) Apply(ctx context.Context, aggregateType string, record consumer.CDCRecord) error {
	f.applied = append(f.applied, record)
	return nil
}

func newCDCEnvelope(t *testing.T, record consumer.CDCRecord) *envelope.Envelope {
	t.Helper()
	e, err := envelope.New(context.Background(), envelope.CDCPost, "posts", "post-1", "cdc-test", record)
	require.NoError(t, err)
	return e
}

func TestCDCHandler_AppliesValidRecord(t *testing.T) {
	dedup := envelope.NewDeduplicator(time.Minute, time.Hour, nil)
	projector := &fakeProjector{}
	h := consumer.NewCDCHandler(consumer.DefaultCDCConfig(), dedup, projector, nil, testLogger(t), nil)

	record := consumer.CDCRecord{
		Op:     consumer.CDCInsert,
		After:  json.RawMessage(`{"id":"post-1","title":"hello"}`),
		Source: consumer.CDCSource{DB: "posts_db", Schema: "public", Table: "posts", Timestamp: time.Now()},
	}
	e := newCDCEnvelope(t, record)

	err := h.Handle(context.Background(), e, &sarama.ConsumerMessage{Topic: "cdc.posts", Offset: 1})
	require.NoError(t, err)
	assert.Len(t, projector.applied, 1)
}

func TestCDCHandler_SkipsDuplicateEvent(t *testing.T) {
	dedup := envelope.NewDeduplicator(time.Minute, time.Hour, nil)
	projector := &fakeProjector{}
	h := consumer.NewCDCHandler(consumer.DefaultCDCConfig(), dedup, projector, nil, testLogger(t), nil)

	record := consumer.CDCRecord{
		Op:     consumer.CDCInsert,
		After:  json.RawMessage(`{"id":"post-1"}`),
		Source: consumer.CDCSource{Timestamp: time.Now()},
	}
	e := newCDCEnvelope(t, record)

	require.NoError(t, h.Handle(context.Background(), e, &sarama.ConsumerMessage{Offset: 1}))
	require.NoError(t, h.Handle(context.Background(), e, &sarama.ConsumerMessage{Offset: 2}))
	assert.Len(t, projector.applied, 1, "second delivery of the same event_id must not re-apply")
}

func TestCDCHandler_RejectsDeleteWithoutBefore(t *testing.T) {
	dedup := envelope.NewDeduplicator(time.Minute, time.Hour, nil)
	projector := &fakeProjector{}
	h := consumer.NewCDCHandler(consumer.DefaultCDCConfig(), dedup, projector, nil, testLogger(t), nil)

	record := consumer.CDCRecord{Op: consumer.CDCDelete, Source: consumer.CDCSource{Timestamp: time.Now()}}
	e := newCDCEnvelope(t, record)

	err := h.Handle(context.Background(), e, &sarama.ConsumerMessage{Offset: 1})
	assert.Error(t, err)
	assert.Empty(t, projector.applied)
}

func TestCDCHandler_RejectsStaleSourceTimestamp(t *testing.T) {
	dedup := envelope.NewDeduplicator(time.Minute, time.Hour, nil)
	projector := &fakeProjector{}
	cfg := consumer.CDCConfig{MaxSourceSkew: time.Second}
	h := consumer.NewCDCHandler(cfg, dedup, projector, nil, testLogger(t), nil)

	record := consumer.CDCRecord{
		Op:     consumer.CDCInsert,
		After:  json.RawMessage(`{"id":"post-1"}`),
		Source: consumer.CDCSource{Timestamp: time.Now().Add(-time.Hour)},
	}
	e := newCDCEnvelope(t, record)

	err := h.Handle(context.Background(), e, &sarama.ConsumerMessage{Offset: 1})
	assert.Error(t, err)
}
