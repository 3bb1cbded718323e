package integration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/nova-social/backend/internal/notifications"
)

// NotificationDispatchSuite exercises the full enqueue -> dispatch flow
// against a live notification-worker and its backing notification_jobs
// table: a job enqueued directly through the store should be picked up
// by the worker's poll loop and move out of pending.
type NotificationDispatchSuite struct {
	IntegrationSuite
	store *notifications.Store
}

func (s *NotificationDispatchSuite) SetupSuite() {
	s.IntegrationSuite.SetupSuite()
	s.store = notifications.NewStore(s.DB)
}

func (s *NotificationDispatchSuite) SetupTest() {
	s.Require().NoError(ResetFixtureTables(s.T().Context(), s.DB))
}

func (s *NotificationDispatchSuite) TestInAppJobIsDispatched() {
	ctx := s.T().Context()

	payload, err := json.Marshal(map[string]string{"message": "you have a new follower"})
	s.Require().NoError(err)

	job := notifications.NewJob("user-integration-1", notifications.ChannelInApp, payload, 3)
	s.Require().NoError(s.store.Enqueue(ctx, job))

	deadline := time.Now().Add(15 * time.Second)
	var last *notifications.Job
	for time.Now().Before(deadline) {
		due, err := s.store.FetchDue(ctx, 10)
		s.Require().NoError(err)

		found := false
		for _, d := range due {
			if d.ID == job.ID {
				found = true
				break
			}
		}
		if !found {
			// No longer pending: the worker moved it to dispatched or abandoned.
			last = job
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	s.Require().NotNil(last, "job %s was never picked up by notification-worker", job.ID)

	var status string
	s.Require().NoError(s.DB.QueryRow(ctx, `SELECT status FROM notification_jobs WHERE id = $1`, job.ID).Scan(&status))
	s.Equal(string(notifications.StatusDispatched), status)
}

func (s *NotificationDispatchSuite) TestUnknownChannelJobIsAbandoned() {
	ctx := s.T().Context()

	job := notifications.NewJob("user-integration-2", notifications.Channel("carrier_pigeon"), json.RawMessage(`{}`), 1)
	s.Require().NoError(s.store.Enqueue(ctx, job))

	deadline := time.Now().Add(15 * time.Second)
	var abandoned bool
	for time.Now().Before(deadline) {
		due, err := s.store.FetchDue(ctx, 10)
		s.Require().NoError(err)

		stillPending := false
		for _, d := range due {
			if d.ID == job.ID {
				stillPending = true
				break
			}
		}
		if !stillPending {
			abandoned = true
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	s.Require().True(abandoned, "unknown-channel job %s should leave the pending queue", job.ID)

	var status string
	s.Require().NoError(s.DB.QueryRow(ctx, `SELECT status FROM notification_jobs WHERE id = $1`, job.ID).Scan(&status))
	s.Equal(string(notifications.StatusAbandoned), status)
}

func TestNotificationDispatchSuite(t *testing.T) {
	RunIntegrationTest(t, new(NotificationDispatchSuite))
}

var _ suite.TestingSuite = (*NotificationDispatchSuite)(nil)
