package consumer_test

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/events/consumer"
	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/pkg/logger"
)

type mockHandler struct {
	envelopes []*envelope.Envelope
}

func (h *mockHandler) Handle(ctx context.Context, e *envelope.Envelope, raw *sarama.ConsumerMessage) error {
	h.envelopes = append(h.envelopes, e)
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("consumer-test", "debug")
	require.NoError(t, err)
	return log
}

func TestConsumer(t *testing.T) {
	mockConsumer := mocks.NewConsumerGroup()
	log := testLogger(t)

	cfg := consumer.Config{
		Brokers:          []string{"localhost:9092"},
		GroupID:          "test-group",
		Topics:           []string{"test-topic"},
		InitialOffset:    sarama.OffsetOldest,
		MinBytes:         10e3,
		MaxBytes:         10e6,
		MaxWait:          500 * time.Millisecond,
		SessionTimeout:   10 * time.Second,
		RebalanceTimeout: 60 * time.Second,
	}

	handler := &mockHandler{}

	t.Run("successful consumption", func(t *testing.T) {
		e1, err := envelope.New(context.Background(), envelope.CDCPost, "post", "p1", "test", map[string]string{"a": "1"})
		require.NoError(t, err)
		e2, err := envelope.New(context.Background(), envelope.CDCPost, "post", "p2", "test", map[string]string{"b": "2"})
		require.NoError(t, err)
		v1, _ := e1.Marshal()
		v2, _ := e2.Marshal()

		testMessages := []*sarama.ConsumerMessage{
			{Topic: "test-topic", Key: []byte("p1"), Value: v1},
			{Topic: "test-topic", Key: []byte("p2"), Value: v2},
		}

		mockConsumer.ExpectConsumePartition("test-topic", 0, sarama.OffsetOldest).YieldMessage(testMessages...)

		c, err := consumer.NewConsumer(cfg, handler, log, nil)
		require.NoError(t, err)

		require.NoError(t, c.Start())
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, c.Stop())

		assert.Len(t, handler.envelopes, len(testMessages))
	})

	t.Run("consumer error handling", func(t *testing.T) {
		mockConsumer.ExpectError(sarama.ErrOutOfBrokers)

		c, err := consumer.NewConsumer(cfg, handler, log, nil)
		require.NoError(t, err)

		require.NoError(t, c.Start())
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, c.Stop())
	})
}
