// Package jobs runs periodic cache-refresh workloads: trending windows,
// suggested-users cohorts, and warmers for hot-user keys. Each job is a
// closed capability {key, interval, ttl, fetch_data} — no trait objects,
// just a struct any provider can populate.
package jobs

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nova-social/backend/internal/cache"
	"github.com/nova-social/backend/pkg/logger"
	"github.com/nova-social/backend/pkg/metrics"
)

// CacheRefreshJob represents one periodic workload.
type CacheRefreshJob struct {
	Name      string
	Key       string
	Interval  time.Duration
	TTL       time.Duration
	// FetchData must return JSON-encoded bytes; they are stored verbatim
	// inside the cache entry envelope.
	FetchData func(ctx context.Context) ([]byte, error)
}

// Runner schedules N jobs concurrently under a bounded worker pool. It
// guarantees at most one in-flight execution per job and completes
// in-flight jobs within a grace period on shutdown, or abandons them.
type Runner struct {
	cache   *cache.Cache
	log     *logger.Logger
	metrics *metrics.Metrics

	maxJitter     time.Duration
	shutdownGrace time.Duration
	workers       chan struct{}

	mu      sync.Mutex
	running map[string]bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

func NewRunner(c *cache.Cache, log *logger.Logger, m *metrics.Metrics, poolSize int, maxJitter, shutdownGrace time.Duration) *Runner {
	return &Runner{
		cache:         c,
		log:           log,
		metrics:       m,
		maxJitter:     maxJitter,
		shutdownGrace: shutdownGrace,
		workers:       make(chan struct{}, poolSize),
		running:       make(map[string]bool),
		shutdown:      make(chan struct{}),
	}
}

// Register starts the periodic ticker for a job. The first tick is
// jittered so a fleet of replicas doesn't synchronize on cache refreshes.
func (r *Runner) Register(job CacheRefreshJob) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runLoop(job)
	}()
}

func (r *Runner) runLoop(job CacheRefreshJob) {
	select {
	case <-time.After(randomJitter(r.maxJitter)):
	case <-r.shutdown:
		return
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	r.tick(job)
	for {
		select {
		case <-ticker.C:
			r.tick(job)
		case <-r.shutdown:
			return
		}
	}
}

func (r *Runner) tick(job CacheRefreshJob) {
	r.mu.Lock()
	if r.running[job.Name] {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.JobsSkippedOverlap.WithLabelValues(job.Name).Inc()
		}
		return
	}
	r.running[job.Name] = true
	r.mu.Unlock()

	select {
	case r.workers <- struct{}{}:
	case <-r.shutdown:
		r.mu.Lock()
		delete(r.running, job.Name)
		r.mu.Unlock()
		return
	}

	r.wg.Add(1)
	go func() {
		defer func() {
			defer r.wg.Done()
			<-r.workers
			r.mu.Lock()
			delete(r.running, job.Name)
			r.mu.Unlock()
		}()
		r.execute(job)
	}()
}

func (r *Runner) execute(job CacheRefreshJob) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), job.Interval)
	defer cancel()

	data, err := job.FetchData(ctx)
	outcome := "success"
	if err != nil {
		outcome = "error"
		if r.log != nil {
			r.log.Error("job execution failed", zap.String("job", job.Name), zap.Error(err))
		}
	} else if err := r.cache.SetRaw(ctx, job.Key, data, jobTTL(job)); err != nil {
		outcome = "error"
		if r.log != nil {
			r.log.Error("job failed to write cache", zap.String("job", job.Name), zap.Error(err))
		}
	}

	if r.metrics != nil {
		r.metrics.JobRuns.WithLabelValues(job.Name, outcome).Inc()
		r.metrics.JobDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
	}
}

func jobTTL(job CacheRefreshJob) time.Duration {
	if job.TTL > 0 {
		return job.TTL
	}
	return job.Interval * 2
}

// Shutdown signals all job loops to stop and waits up to the configured
// grace period for in-flight executions to finish.
func (r *Runner) Shutdown() {
	close(r.shutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.shutdownGrace):
		if r.log != nil {
			r.log.Warn("job runner shutdown grace period elapsed; abandoning in-flight jobs")
		}
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
