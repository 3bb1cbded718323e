package resilience

import (
	"context"
	"time"

	cb "github.com/sony/gobreaker"

	"github.com/nova-social/backend/internal/errkind"
	"github.com/nova-social/backend/pkg/metrics"
)

// CircuitConfig parameterizes a breaker per dependency. Closed->Open fires
// on consecutive failures OR windowed error rate, whichever trips first.
type CircuitConfig struct {
	Name               string
	FailureThreshold   uint32
	ErrorRateThreshold float64
	WindowSize         uint32
	OpenTimeout        time.Duration
	HalfOpenMaxCalls   uint32
	SuccessThreshold   uint32
}

// Circuit wraps a gobreaker.CircuitBreaker with the spec's Closed/Open/
// HalfOpen semantics and emits transition metrics.
type Circuit struct {
	cfg CircuitConfig
	br  *cb.CircuitBreaker
	m   *metrics.Metrics
}

func NewCircuit(cfg CircuitConfig, m *metrics.Metrics) *Circuit {
	c := &Circuit{cfg: cfg, m: m}

	settings := cb.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenMaxCalls,
		Interval:    time.Duration(cfg.WindowSize) * time.Second,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts cb.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			if counts.Requests < cfg.WindowSize {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.ErrorRateThreshold
		},
		OnStateChange: func(name string, from, to cb.State) {
			if m == nil {
				return
			}
			m.CircuitTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
			m.CircuitState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	c.br = cb.NewCircuitBreaker(settings)
	return c
}

func stateValue(s cb.State) float64 {
	switch s {
	case cb.StateOpen:
		return 1
	case cb.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Execute runs op through the breaker. While Open, returns errkind.CircuitOpen
// without invoking op (fail-fast).
func (c *Circuit) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := c.br.Execute(func() (any, error) {
		return nil, op(ctx)
	})
	if err == cb.ErrOpenState || err == cb.ErrTooManyRequests {
		return errkind.Wrap(errkind.CircuitOpen, "circuit open for "+c.cfg.Name, err)
	}
	return err
}

// Preset timeout/circuit configurations per dependency type, grounded on
// original_source/backend/libs/resilience's preset table. RetryAllowed is
// false for the database preset: non-idempotent writes must not be retried
// blindly by C1.
type Preset struct {
	Timeout      time.Duration
	Circuit      CircuitConfig
	RetryAllowed bool
}

func GRPCPreset() Preset {
	return Preset{
		Timeout: 3 * time.Second,
		Circuit: CircuitConfig{
			Name: "grpc", FailureThreshold: 5, ErrorRateThreshold: 0.5,
			WindowSize: 20, OpenTimeout: 30 * time.Second,
			HalfOpenMaxCalls: 3, SuccessThreshold: 3,
		},
		RetryAllowed: true,
	}
}

func DatabasePreset() Preset {
	return Preset{
		Timeout: 2 * time.Second,
		Circuit: CircuitConfig{
			Name: "database", FailureThreshold: 5, ErrorRateThreshold: 0.5,
			WindowSize: 20, OpenTimeout: 15 * time.Second,
			HalfOpenMaxCalls: 2, SuccessThreshold: 2,
		},
		RetryAllowed: false,
	}
}

func RedisPreset() Preset {
	return Preset{
		Timeout: 250 * time.Millisecond,
		Circuit: CircuitConfig{
			Name: "redis", FailureThreshold: 8, ErrorRateThreshold: 0.5,
			WindowSize: 30, OpenTimeout: 10 * time.Second,
			HalfOpenMaxCalls: 3, SuccessThreshold: 3,
		},
		RetryAllowed: true,
	}
}

func KafkaPreset() Preset {
	return Preset{
		Timeout: 5 * time.Second,
		Circuit: CircuitConfig{
			Name: "kafka", FailureThreshold: 5, ErrorRateThreshold: 0.4,
			WindowSize: 20, OpenTimeout: 20 * time.Second,
			HalfOpenMaxCalls: 3, SuccessThreshold: 3,
		},
		RetryAllowed: true,
	}
}

func ExternalHTTPPreset() Preset {
	return Preset{
		Timeout: 3 * time.Second,
		Circuit: CircuitConfig{
			Name: "http", FailureThreshold: 5, ErrorRateThreshold: 0.5,
			WindowSize: 20, OpenTimeout: 30 * time.Second,
			HalfOpenMaxCalls: 3, SuccessThreshold: 3,
		},
		RetryAllowed: true,
	}
}
