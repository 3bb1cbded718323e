// Package resilience provides the primitives every outbound call in the
// system is wrapped in: timeout, retry with backoff, circuit breaking,
// bounded concurrency, and load shedding.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/nova-social/backend/internal/errkind"
)

// RetryPolicy configures exponential backoff with optional decorrelated
// jitter.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Jitter     bool
}

// Timeout runs op and fails with errkind.Timeout if d elapses first.
func Timeout(ctx context.Context, d time.Duration, op func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op(ctx) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errkind.New(errkind.Timeout, "operation exceeded deadline")
	}
}

// Retry executes op up to policy.MaxRetries+1 times with exponential
// backoff, capped at MaxBackoff. It returns the last error. Validation and
// other non-retryable kinds short-circuit immediately.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context) error) error {
	backoff := policy.Backoff
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errkind.Retryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxRetries {
			break
		}

		sleep := backoff
		if policy.Jitter {
			sleep = decorrelatedJitter(backoff, policy.MaxBackoff)
		}
		if sleep > policy.MaxBackoff {
			sleep = policy.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return lastErr
}

func decorrelatedJitter(base, cap time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	n := rand.Int63n(int64(cap-base) + 1)
	return base + time.Duration(n)
}

// Budget bounds concurrency via a semaphore; blocks until a slot is free or
// ctx is canceled.
type Budget struct {
	sem chan struct{}
}

func NewBudget(maxConcurrent int) *Budget {
	return &Budget{sem: make(chan struct{}, maxConcurrent)}
}

func (b *Budget) Run(ctx context.Context, op func(ctx context.Context) error) error {
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.sem }()
	return op(ctx)
}

// Shedder rejects calls with errkind.Overloaded once inflight reaches
// MaxInflight, rather than queuing them.
type Shedder struct {
	maxInflight int
	inflight    chan struct{}
}

func NewShedder(maxInflight int) *Shedder {
	return &Shedder{maxInflight: maxInflight, inflight: make(chan struct{}, maxInflight)}
}

func (s *Shedder) Run(ctx context.Context, op func(ctx context.Context) error) error {
	select {
	case s.inflight <- struct{}{}:
	default:
		return errkind.New(errkind.Overloaded, "inflight limit reached")
	}
	defer func() { <-s.inflight }()
	return op(ctx)
}
