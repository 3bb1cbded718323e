package notifications

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("notifications-test", "debug")
	require.NoError(t, err)
	return log
}

type fakeJobStore struct {
	mu         sync.Mutex
	due        []*Job
	dispatched []string
	retried    []string
	failed     []string
	abandoned  []string
}

func (f *fakeJobStore) FetchDue(ctx context.Context, limit int) ([]*Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.due) > limit {
		out := f.due[:limit]
		f.due = f.due[limit:]
		return out, nil
	}
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeJobStore) MarkDispatched(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, id)
	return nil
}

func (f *fakeJobStore) MarkRetry(ctx context.Context, id string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeJobStore) MarkFailed(ctx context.Context, id string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeJobStore) MarkAbandoned(ctx context.Context, id string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandoned = append(f.abandoned, id)
	return nil
}

type fakeSender struct {
	err error
}

func (f *fakeSender) Send(ctx context.Context, job *Job) error { return f.err }

func testConfig() Config {
	return Config{PollInterval: time.Millisecond, BatchSize: 10, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond}
}

func TestDispatcher_DispatchSucceedsAndMarksDispatched(t *testing.T) {
	store := &fakeJobStore{}
	job := NewJob("user-1", ChannelInApp, []byte(`{"message":"hi"}`), 3)

	d := NewDispatcher(testConfig(), store, NewValidator(), map[Channel]Sender{
		ChannelInApp: &fakeSender{},
	}, nil, nil)

	d.dispatch(context.Background(), job)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{job.ID}, store.dispatched)
	assert.Empty(t, store.retried)
	assert.Empty(t, store.abandoned)
}

func TestDispatcher_UnconfiguredChannelIsAbandoned(t *testing.T) {
	store := &fakeJobStore{}
	job := NewJob("user-1", ChannelEmail, []byte(`{"address":"user@example.com","subject":"s","body":"b"}`), 3)

	d := NewDispatcher(testConfig(), store, NewValidator(), map[Channel]Sender{}, testLogger(t), nil)

	d.dispatch(context.Background(), job)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{job.ID}, store.abandoned)
}

func TestDispatcher_InvalidPayloadIsAbandonedWithoutConsumingSender(t *testing.T) {
	store := &fakeJobStore{}
	job := NewJob("user-1", ChannelEmail, []byte(`{"address":"not-an-email"}`), 3)
	sender := &fakeSender{}

	d := NewDispatcher(testConfig(), store, NewValidator(), map[Channel]Sender{
		ChannelEmail: sender,
	}, testLogger(t), nil)

	d.dispatch(context.Background(), job)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{job.ID}, store.abandoned)
}

func TestDispatcher_FailedSendRetriesUntilMaxThenFails(t *testing.T) {
	store := &fakeJobStore{}
	job := NewJob("user-1", ChannelInApp, []byte(`{"message":"hi"}`), 2)
	sender := &fakeSender{err: assert.AnError}

	d := NewDispatcher(testConfig(), store, NewValidator(), map[Channel]Sender{
		ChannelInApp: sender,
	}, testLogger(t), nil)

	d.dispatch(context.Background(), job)
	require.Equal(t, 1, job.RetryCount)

	d.dispatch(context.Background(), job)
	require.Equal(t, 2, job.RetryCount)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Len(t, store.retried, 1)
	assert.Len(t, store.failed, 1)
	assert.Empty(t, store.abandoned)
}

func TestDispatcher_BackoffDoublesPerRetryCappedAtMax(t *testing.T) {
	d := NewDispatcher(Config{BackoffBase: 100 * time.Millisecond, BackoffMax: 5 * time.Second}, nil, nil, nil, nil, nil)

	assert.Equal(t, 100*time.Millisecond, d.backoff(1))
	assert.Equal(t, 200*time.Millisecond, d.backoff(2))
	assert.Equal(t, 400*time.Millisecond, d.backoff(3))
	assert.Equal(t, 5*time.Second, d.backoff(10))
}
