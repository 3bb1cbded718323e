package consumer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/events/consumer"
)

func TestDeadLetterHandler_RetriesUntilMaxThenDeadLetters(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	cfg := consumer.DeadLetterConfig{Topic: "nova.dead-letter", MaxRetries: 2, RetryBackoff: time.Millisecond}
	h := consumer.NewDeadLetterHandler(cfg, mockProducer, testLogger(t), nil)

	msg := &sarama.ConsumerMessage{Topic: "cdc.post", Key: []byte("post-1"), Value: []byte("bad")}
	failure := errors.New("decode failed")

	// First two failures retry onto the original topic with an incremented
	// x-attempts header.
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		assert.Equal(t, "cdc.post", m.Topic)
		return nil
	})
	require.NoError(t, h.HandleFailedMessage(context.Background(), msg, failure))

	msg.Headers = []*sarama.RecordHeader{{Key: []byte(consumer.HeaderAttempts), Value: []byte{1}}}
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		assert.Equal(t, "cdc.post", m.Topic)
		return nil
	})
	require.NoError(t, h.HandleFailedMessage(context.Background(), msg, failure))

	// Third failure (attempts == MaxRetries) routes to the dead-letter topic
	// carrying the spec-exact headers.
	msg.Headers = []*sarama.RecordHeader{{Key: []byte(consumer.HeaderAttempts), Value: []byte{2}}}
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		assert.Equal(t, cfg.Topic, m.Topic)
		headers := map[string]string{}
		for _, hdr := range m.Headers {
			headers[string(hdr.Key)] = string(hdr.Value)
		}
		assert.Equal(t, "cdc.post", headers[consumer.HeaderOriginalTopic])
		assert.Equal(t, failure.Error(), headers[consumer.HeaderFailureReason])
		return nil
	})
	require.NoError(t, h.HandleFailedMessage(context.Background(), msg, failure))
}
