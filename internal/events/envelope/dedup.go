package envelope

import (
	"sync"
	"time"

	"github.com/nova-social/backend/pkg/metrics"
)

// Deduplicator is a process-local, TTL-bounded map of seen event ids. It is
// advisory: downstream writes must still be idempotent on primary key.
// process_or_skip is O(1) and thread-safe.
type Deduplicator struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	ttl     time.Duration
	metrics *metrics.Metrics

	stop chan struct{}
}

func NewDeduplicator(ttl, sweepInterval time.Duration, m *metrics.Metrics) *Deduplicator {
	d := &Deduplicator{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		metrics: m,
		stop:    make(chan struct{}),
	}
	go d.sweepLoop(sweepInterval)
	return d
}

// ProcessOrSkip returns true the first time eventID is observed within TTL,
// false for repeats. Expired entries are treated as unseen — a compare-
// and-set on (id, now): first observer wins.
func (d *Deduplicator) ProcessOrSkip(eventID string) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if insertedAt, ok := d.seen[eventID]; ok && now.Sub(insertedAt) < d.ttl {
		if d.metrics != nil {
			d.metrics.DedupDuplicatesSkipped.Inc()
		}
		return false
	}

	d.seen[eventID] = now
	if d.metrics != nil {
		d.metrics.DedupEntriesActive.Set(float64(len(d.seen)))
	}
	return true
}

func (d *Deduplicator) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.sweep()
		case <-d.stop:
			return
		}
	}
}

func (d *Deduplicator) sweep() {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, insertedAt := range d.seen {
		if now.Sub(insertedAt) >= d.ttl {
			delete(d.seen, id)
		}
	}
	if d.metrics != nil {
		d.metrics.DedupEntriesActive.Set(float64(len(d.seen)))
	}
}

func (d *Deduplicator) Close() { close(d.stop) }
