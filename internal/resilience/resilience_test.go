package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova-social/backend/internal/errkind"
)

func TestRetry_SucceedsOnKthAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryPolicy{
		MaxRetries: 5,
		Backoff:    time.Millisecond,
		MaxBackoff: 10 * time.Millisecond,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errkind.New(errkind.Unavailable, "not yet")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_NeverExceedsMaxBackoff(t *testing.T) {
	maxBackoff := 5 * time.Millisecond
	start := time.Now()

	err := Retry(context.Background(), RetryPolicy{
		MaxRetries: 4,
		Backoff:    time.Millisecond,
		MaxBackoff: maxBackoff,
	}, func(ctx context.Context) error {
		return errkind.New(errkind.Timeout, "always fails")
	})

	elapsed := time.Since(start)
	assert.Error(t, err)
	// 4 retries each capped at maxBackoff leaves generous headroom.
	assert.Less(t, elapsed, 4*maxBackoff*3)
}

func TestRetry_NonRetryableKindShortCircuits(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryPolicy{MaxRetries: 5, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return errkind.New(errkind.Validation, "bad input")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, errkind.Is(err, errkind.Validation))
}

func TestTimeout_FailsWhenDeadlineElapses(t *testing.T) {
	err := Timeout(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return errors.New("should not surface")
	})

	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.Timeout))
}

func TestCircuit_OpensOnNthConsecutiveFailure(t *testing.T) {
	c := NewCircuit(CircuitConfig{
		Name: "test", FailureThreshold: 3, ErrorRateThreshold: 1, WindowSize: 100,
		OpenTimeout: time.Hour, HalfOpenMaxCalls: 1, SuccessThreshold: 1,
	}, nil)

	failing := func(ctx context.Context) error { return errkind.New(errkind.Dependency, "boom") }

	// First two failures: circuit still closed, underlying op runs.
	_ = c.Execute(context.Background(), failing)
	_ = c.Execute(context.Background(), failing)

	calledBeforeOpen := false
	_ = c.Execute(context.Background(), func(ctx context.Context) error {
		calledBeforeOpen = true
		return errkind.New(errkind.Dependency, "boom")
	})
	assert.True(t, calledBeforeOpen, "op should still run on the 3rd call that trips the breaker")

	calledAfterOpen := false
	err := c.Execute(context.Background(), func(ctx context.Context) error {
		calledAfterOpen = true
		return nil
	})
	assert.False(t, calledAfterOpen, "op must not run while circuit is open")
	assert.True(t, errkind.Is(err, errkind.CircuitOpen))
}

func TestShedder_RejectsOverInflightLimit(t *testing.T) {
	s := NewShedder(1)
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = s.Run(context.Background(), func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	err := s.Run(context.Background(), func(ctx context.Context) error { return nil })
	assert.True(t, errkind.Is(err, errkind.Overloaded))
	close(release)
}
