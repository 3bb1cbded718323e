package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/events/envelope"
	"github.com/nova-social/backend/internal/outbox"
	"github.com/nova-social/backend/pkg/logger"
)

type fakePublisher struct {
	mu        sync.Mutex
	published int
	failNext  int
}

func (f *fakePublisher) PublishEnvelope(ctx context.Context, topic string, e *envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("broker unavailable")
	}
	f.published++
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("outbox-test", "debug")
	require.NoError(t, err)
	return log
}

func seedMessage(t *testing.T, repo *outbox.InMemoryRepository, aggregateID string) *outbox.Message {
	t.Helper()
	e, err := envelope.New(context.Background(), envelope.CDCPost, "post", aggregateID, "nova-outbox-test", map[string]string{"k": "v"})
	require.NoError(t, err)
	msg, err := outbox.FromEnvelope(e, "cdc.posts")
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), msg))
	return msg
}

func TestProcessor_DrainsPendingMessageAndMarksPublished(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	msg := seedMessage(t, repo, "post-1")

	pub := &fakePublisher{}
	cfg := outbox.DefaultConfig()
	cfg.SourceService = "nova-outbox-test"
	proc := outbox.NewProcessor(cfg, repo, pub, testLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, proc.Start(ctx))

	pending, err := repo.GetPendingMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.NotContains(t, pending, msg)
	assert.Equal(t, 1, pub.published)
}

func TestProcessor_ExhaustsAttemptBoundAndMarksPermanentlyFailed(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	seedMessage(t, repo, "post-2")

	cfg := outbox.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.SourceService = "nova-outbox-test"
	pub := &fakePublisher{failNext: 10}
	proc := outbox.NewProcessor(cfg, repo, pub, testLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < cfg.MaxAttempts; i++ {
		require.NoError(t, proc.Start(ctx))
	}

	pending, err := repo.GetPendingMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFromEnvelope_RoundTripsIntoEnvelope(t *testing.T) {
	e, err := envelope.New(context.Background(), envelope.UserDeleted, "user", "u1", "nova-identity", map[string]string{"user_id": "u1"})
	require.NoError(t, err)

	msg, err := outbox.FromEnvelope(e, "identity.user.deleted")
	require.NoError(t, err)
	assert.Equal(t, e.EventID, msg.ID)
	assert.Equal(t, outbox.StatusPending, msg.Status)

	roundTripped := msg.Envelope("nova-identity")
	assert.Equal(t, e.EventID, roundTripped.EventID)
	assert.Equal(t, e.AggregateID, roundTripped.AggregateID)
	assert.Equal(t, e.Payload, roundTripped.Payload)
}

func TestInMemoryRepository_CleanupRemovesOldPublishedRows(t *testing.T) {
	repo := outbox.NewInMemoryRepository()
	msg := seedMessage(t, repo, "post-3")
	require.NoError(t, repo.MarkAsPublished(context.Background(), msg.ID))

	past := time.Now().Add(-48 * time.Hour)
	msg.PublishedAt = &past

	removed, err := repo.CleanupPublishedMessages(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
