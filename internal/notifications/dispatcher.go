package notifications

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/errkind"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// Sender delivers one job over its channel. Returning an error marks the
// job for retry (or abandonment, once MaxRetries is exhausted).
type Sender interface {
	Send(ctx context.Context, job *Job) error
}

// jobStore is the narrow slice of *Store the Dispatcher needs, so tests
// can substitute an in-memory fake instead of a database.DB.
type jobStore interface {
	FetchDue(ctx context.Context, limit int) ([]*Job, error)
	MarkDispatched(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, cause error) error
	MarkFailed(ctx context.Context, id string, cause error) error
	MarkAbandoned(ctx context.Context, id string, cause error) error
}

// Config tunes polling cadence and backoff.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
}

// Dispatcher polls Store for due jobs and hands each to the Sender
// registered for its channel, applying C1-style exponential backoff
// between retries and abandoning jobs whose channel has no Sender.
type Dispatcher struct {
	config    Config
	store     jobStore
	validator *Validator
	senders   map[Channel]Sender
	log       *logger.Logger
	metrics   *metrics.Metrics

	stop chan struct{}
	done chan struct{}
}

func NewDispatcher(config Config, store jobStore, validator *Validator, senders map[Channel]Sender, log *logger.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		config:    config,
		store:     store,
		validator: validator,
		senders:   senders,
		log:       log,
		metrics:   m,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run polls until Stop is called or ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	jobs, err := d.store.FetchDue(ctx, d.config.BatchSize)
	if err != nil {
		d.log.Error("failed to fetch due notification jobs", zap.Error(err))
		return
	}

	for _, job := range jobs {
		d.dispatch(ctx, job)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, job *Job) {
	if err := d.validator.Validate(job); err != nil {
		d.abandon(ctx, job, err)
		return
	}

	sender, ok := d.senders[job.Channel]
	if !ok {
		d.abandon(ctx, job, errkind.New(errkind.InvalidInput, "no sender configured for channel: "+string(job.Channel)))
		return
	}

	if job.RetryCount > 0 {
		select {
		case <-time.After(d.backoff(job.RetryCount)):
		case <-ctx.Done():
			return
		}
	}

	if err := sender.Send(ctx, job); err != nil {
		d.retryOrAbandon(ctx, job, err)
		return
	}

	if err := d.store.MarkDispatched(ctx, job.ID); err != nil {
		d.log.Error("failed to mark notification job dispatched", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	if d.metrics != nil {
		d.metrics.NotificationsDispatched.WithLabelValues(string(job.Channel), "success").Inc()
	}
}

// retryOrAbandon handles a Send failure: if the job still has retries
// left it's rescheduled, otherwise it's terminally failed. This is
// distinct from abandon, which is reserved for jobs that fail validation
// or whose channel has no configured Sender at all.
func (d *Dispatcher) retryOrAbandon(ctx context.Context, job *Job, cause error) {
	job.RetryCount++
	if job.RetryCount >= job.MaxRetries {
		d.fail(ctx, job, cause)
		return
	}

	if err := d.store.MarkRetry(ctx, job.ID, cause); err != nil {
		d.log.Error("failed to mark notification job for retry", zap.String("job_id", job.ID), zap.Error(err))
	}
	if d.metrics != nil {
		d.metrics.NotificationRetries.Inc()
		d.metrics.NotificationsDispatched.WithLabelValues(string(job.Channel), "retry").Inc()
	}
}

// fail terminally fails a job that exhausted its retry budget.
func (d *Dispatcher) fail(ctx context.Context, job *Job, cause error) {
	if err := d.store.MarkFailed(ctx, job.ID, cause); err != nil {
		d.log.Error("failed to mark notification job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	d.log.Warn("notification job failed, retries exhausted",
		zap.String("job_id", job.ID), zap.String("channel", string(job.Channel)), zap.Error(cause))
	if d.metrics != nil {
		d.metrics.NotificationsFailed.WithLabelValues(string(job.Channel)).Inc()
	}
}

// abandon terminally stops a job whose channel has no configured Sender,
// or that fails validation — neither condition would be fixed by retrying.
func (d *Dispatcher) abandon(ctx context.Context, job *Job, cause error) {
	if err := d.store.MarkAbandoned(ctx, job.ID, cause); err != nil {
		d.log.Error("failed to mark notification job abandoned", zap.String("job_id", job.ID), zap.Error(err))
	}
	d.log.Warn("abandoning notification job",
		zap.String("job_id", job.ID), zap.String("channel", string(job.Channel)), zap.Error(cause))
	if d.metrics != nil {
		d.metrics.NotificationsAbandoned.WithLabelValues(string(job.Channel)).Inc()
	}
}

// backoff doubles BackoffBase per retry (same progression as
// resilience.Retry's exponential step), capped at BackoffMax. retryCount
// is 1-indexed: the first retry waits BackoffBase, the second 2x, etc.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := d.config.BackoffBase
	for i := 1; i < retryCount; i++ {
		backoff *= 2
		if backoff >= d.config.BackoffMax {
			return d.config.BackoffMax
		}
	}
	if backoff > d.config.BackoffMax {
		return d.config.BackoffMax
	}
	return backoff
}
