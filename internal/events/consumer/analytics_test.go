package consumer_test

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/events/consumer"
	"github.com/nova-social/backend/internal/events/envelope"
)

type fakeSignalSink struct {
	batches [][]*envelope.Envelope
}

func (f *fakeSignalSink) IngestBatch(ctx context.Context, events []*envelope.Envelope) error {
	f.batches = append(f.batches, events)
	return nil
}

func TestAnalyticsHandler_FlushesOnBatchSize(t *testing.T) {
	sink := &fakeSignalSink{}
	cfg := consumer.AnalyticsConfig{BatchSize: 2, FlushInterval: time.Hour}
	h := consumer.NewAnalyticsHandler(cfg, sink, nil, testLogger(t), nil)

	e1, err := envelope.New(context.Background(), envelope.FeedEvent, "post", "p1", "svc", map[string]string{})
	require.NoError(t, err)
	e2, err := envelope.New(context.Background(), envelope.FeedEvent, "post", "p2", "svc", map[string]string{})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), e1, &sarama.ConsumerMessage{Offset: 1}))
	assert.Empty(t, sink.batches, "must not flush before batch size reached")

	require.NoError(t, h.Handle(context.Background(), e2, &sarama.ConsumerMessage{Offset: 2}))
	require.Len(t, sink.batches, 1)
	assert.Len(t, sink.batches[0], 2)
}

func TestAnalyticsHandler_FlushesOnInterval(t *testing.T) {
	sink := &fakeSignalSink{}
	cfg := consumer.AnalyticsConfig{BatchSize: 1000, FlushInterval: 10 * time.Millisecond}
	h := consumer.NewAnalyticsHandler(cfg, sink, nil, testLogger(t), nil)

	e1, err := envelope.New(context.Background(), envelope.FeedEvent, "post", "p1", "svc", map[string]string{})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), e1, &sarama.ConsumerMessage{Offset: 1}))

	time.Sleep(20 * time.Millisecond)

	e2, err := envelope.New(context.Background(), envelope.FeedEvent, "post", "p2", "svc", map[string]string{})
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), e2, &sarama.ConsumerMessage{Offset: 2}))

	require.Len(t, sink.batches, 1)
}
