package publisher

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/internal/resilience"
	"github.com/nova-social/backend/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("publisher-test", "debug")
	require.NoError(t, err)
	return log
}

func newTestProducer(t *testing.T, mockProducer sarama.SyncProducer) *Producer {
	t.Helper()
	return &Producer{
		producer: mockProducer,
		circuit:  resilience.NewCircuit(resilience.KafkaPreset().Circuit, nil),
		log:      testLogger(t),
		tracer:   trace.NewNoopTracerProvider().Tracer("test"),
	}
}

func TestProducer_PublishSucceeds(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "test-topic", msg.Topic)
		assert.Equal(t, "test-key", string(msg.Key))
		assert.Equal(t, "test-value", string(msg.Value))
		return nil
	})

	p := newTestProducer(t, mockProducer)

	err := p.Publish(context.Background(), "test-topic", "test-key", []byte("test-value"))
	require.NoError(t, err)
}

func TestProducer_PublishRespectsRateLimiter(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	p := newTestProducer(t, mockProducer)
	p.limiter = rate.NewLimiter(rate.Limit(1), 1)

	// Drain the single token, then cancel the context immediately so the
	// limiter's Wait returns an error instead of blocking for a refill.
	_ = p.limiter.Allow()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, "test-topic", "test-key", []byte("test-value"))
	require.Error(t, err)
}

func TestPartitionKey_MessagingUsesCompositeKey(t *testing.T) {
	e := &envelope.Envelope{
		EventType:   envelope.MessagingEvent,
		AggregateID: "user-2",
		Headers:     map[string]string{"peer_id": "user-1"},
	}
	assert.Equal(t, "user-1:user-2", PartitionKey(e))
}

func TestPartitionKey_DefaultsToAggregateID(t *testing.T) {
	e := &envelope.Envelope{EventType: envelope.CDCPost, AggregateID: "post-9"}
	assert.Equal(t, "post-9", PartitionKey(e))
}
