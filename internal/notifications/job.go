// Package notifications dispatches queued Notification Job (N) rows to
// push, email, and in-app channels, with exponential backoff on failure
// and abandonment once a channel has no configured sender.
package notifications

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nova-social/backend/internal/database"
	"github.com/nova-social/backend/internal/errkind"
)

// Channel is one of the delivery surfaces a job can target.
type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelInApp Channel = "in_app"
)

// Status mirrors the notification_jobs.status column.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

// Job is the Notification Job (N) data model: a durable row tracking one
// attempt to deliver a payload to a user over one channel.
type Job struct {
	ID           string
	UserID       string
	Channel      Channel
	Payload      json.RawMessage
	Status       Status
	RetryCount   int
	MaxRetries   int
	LastError    string
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// NewJob constructs a pending job with the given retry ceiling.
func NewJob(userID string, channel Channel, payload json.RawMessage, maxRetries int) *Job {
	return &Job{
		ID:         uuid.New().String(),
		UserID:     userID,
		Channel:    channel,
		Payload:    payload,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  time.Now(),
	}
}

// Retryable reports whether a failed job still has attempts left.
func (j *Job) Retryable() bool {
	return j.Status == StatusFailed && j.RetryCount < j.MaxRetries
}

// Store persists and fetches due notification jobs.
type Store struct {
	db database.DB
}

func NewStore(db database.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a new pending job.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	const query = `
		INSERT INTO notification_jobs (id, user_id, channel, payload, status, retry_count, max_retries, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.Exec(ctx, query, job.ID, job.UserID, string(job.Channel), job.Payload,
		string(job.Status), job.RetryCount, job.MaxRetries, job.CreatedAt)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, "enqueue notification job", err)
	}
	return nil
}

// FetchDue returns up to limit pending jobs, oldest first.
func (s *Store) FetchDue(ctx context.Context, limit int) ([]*Job, error) {
	const query = `
		SELECT id, user_id, channel, payload, status, retry_count, max_retries, last_error, created_at, dispatched_at
		FROM notification_jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "fetch due notification jobs", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var j Job
		var channel, status string
		var lastError *string
		if err := rows.Scan(&j.ID, &j.UserID, &channel, &j.Payload, &status, &j.RetryCount,
			&j.MaxRetries, &lastError, &j.CreatedAt, &j.DispatchedAt); err != nil {
			return nil, errkind.Wrap(errkind.Internal, "scan notification job", err)
		}
		j.Channel = Channel(channel)
		j.Status = Status(status)
		if lastError != nil {
			j.LastError = *lastError
		}
		out = append(out, &j)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "iterate notification jobs", err)
	}
	return out, nil
}

// MarkDispatched records a successful delivery.
func (s *Store) MarkDispatched(ctx context.Context, id string) error {
	const query = `UPDATE notification_jobs SET status = 'dispatched', dispatched_at = now() WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return errkind.Wrap(errkind.Unavailable, "mark notification job dispatched", err)
	}
	return nil
}

// MarkRetry increments retry_count and records the failure, leaving the
// job pending so the next poll picks it back up.
func (s *Store) MarkRetry(ctx context.Context, id string, cause error) error {
	const query = `
		UPDATE notification_jobs
		SET status = 'pending', retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, cause.Error()); err != nil {
		return errkind.Wrap(errkind.Unavailable, "mark notification job retry", err)
	}
	return nil
}

// MarkFailed terminally fails a job that exhausted its retry budget,
// distinct from MarkAbandoned's unconfigured-channel case.
func (s *Store) MarkFailed(ctx context.Context, id string, cause error) error {
	const query = `
		UPDATE notification_jobs
		SET status = 'failed', last_error = $2
		WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, cause.Error()); err != nil {
		return errkind.Wrap(errkind.Unavailable, "mark notification job failed", err)
	}
	return nil
}

// MarkAbandoned permanently stops retrying a job that failed validation
// or whose channel has no configured Sender — distinct from MarkFailed's
// retries-exhausted case.
func (s *Store) MarkAbandoned(ctx context.Context, id string, cause error) error {
	const query = `
		UPDATE notification_jobs
		SET status = 'abandoned', last_error = $2
		WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id, cause.Error()); err != nil {
		return errkind.Wrap(errkind.Unavailable, "mark notification job abandoned", err)
	}
	return nil
}
