package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-wide Prometheus registrations for every
// component. One instance is constructed per binary and passed by handle;
// there is no package-level singleton.
type Metrics struct {
	// C1 resilience
	CircuitState        *prometheus.GaugeVec // 0=closed,1=open,2=half_open
	CircuitTransitions   *prometheus.CounterVec
	RetryAttempts        *prometheus.CounterVec
	TimeoutsTotal        *prometheus.CounterVec
	OverloadedTotal      *prometheus.CounterVec
	InFlightRequests     *prometheus.GaugeVec

	// C2 cache
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	CacheNegativeHits *prometheus.CounterVec
	CacheSetDuration prometheus.Histogram
	CacheGetDuration prometheus.Histogram
	CacheDecodeErrors prometheus.Counter
	CacheScanCapTrips prometheus.Counter
	CacheStampedeCollapsed prometheus.Counter
	CacheSize        *prometheus.GaugeVec

	// C3 dedup
	DedupDuplicatesSkipped prometheus.Counter
	DedupEntriesActive     prometheus.Gauge

	// C4 outbox
	OutboxPending     prometheus.Gauge
	OutboxDrained     *prometheus.CounterVec
	OutboxDrainBatch  prometheus.Histogram
	OutboxAttemptsExhausted prometheus.Counter

	// C5 producer / C6 C7 consumers
	EventsPublished         *prometheus.CounterVec
	EventsConsumed          *prometheus.CounterVec
	EventProcessingDuration *prometheus.HistogramVec
	EventLag                *prometheus.GaugeVec
	DeadLettered            *prometheus.CounterVec
	BatchSize               *prometheus.HistogramVec

	// C8 feed
	FeedMaterializeDuration prometheus.Histogram
	FeedCandidates          prometheus.Histogram
	FeedScoringDuration     prometheus.Histogram
	FeedComplexityRejected  prometheus.Counter
	FeedDiversifyDemotions  prometheus.Counter

	// C9 jobs
	JobRuns       *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	JobsSkippedOverlap *prometheus.CounterVec

	// C10 realtime
	WSConnections    prometheus.Gauge
	WSMessagesIn     prometheus.Counter
	WSMessagesOut    prometheus.Counter
	WSMessageDropped prometheus.Counter
	StreamTrimmed    *prometheus.CounterVec
	SyncReplayedEntries prometheus.Counter

	// C11 notifications
	NotificationsDispatched *prometheus.CounterVec
	NotificationsAbandoned  *prometheus.CounterVec
	NotificationsFailed     *prometheus.CounterVec
	NotificationRetries     prometheus.Counter

	// Database
	DBQueryDuration *prometheus.HistogramVec
	DBConnections   *prometheus.GaugeVec
}

func New(namespace string) *Metrics {
	return &Metrics{
		CircuitState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_state",
			Help: "Circuit breaker state: 0=closed 1=open 2=half_open",
		}, []string{"dependency"}),
		CircuitTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "circuit_transitions_total",
			Help: "Circuit breaker state transitions",
		}, []string{"dependency", "from", "to"}),
		RetryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_attempts_total",
			Help: "Retry attempts by operation",
		}, []string{"operation"}),
		TimeoutsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "timeouts_total",
			Help: "Operations that exceeded their deadline",
		}, []string{"operation"}),
		OverloadedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "overloaded_total",
			Help: "Calls rejected due to inflight/concurrency limits",
		}, []string{"operation"}),
		InFlightRequests: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "inflight_requests",
			Help: "Current inflight calls per bounded operation",
		}, []string{"operation"}),

		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "Total cache hits",
		}, []string{"scope"}),
		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "Total cache misses",
		}, []string{"scope"}),
		CacheNegativeHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_negative_hits_total", Help: "Hits against the negative-cache sentinel",
		}, []string{"scope"}),
		CacheSetDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cache_set_duration_seconds", Help: "Cache SET duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		}),
		CacheGetDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cache_get_duration_seconds", Help: "Cache GET duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1},
		}),
		CacheDecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_decode_errors_total", Help: "Values that failed to decode and were evicted",
		}),
		CacheScanCapTrips: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_scan_cap_trips_total", Help: "Times scan_del hit MAX_ITERATIONS or MAX_KEYS",
		}),
		CacheStampedeCollapsed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_stampede_collapsed_total", Help: "get_or_compute calls collapsed by singleflight",
		}),
		CacheSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "cache_estimated_size", Help: "Estimated cached entries per scope",
		}, []string{"scope"}),

		DedupDuplicatesSkipped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_duplicates_skipped_total", Help: "Events skipped as duplicates",
		}),
		DedupEntriesActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dedup_entries_active", Help: "Entries currently tracked by the dedup map",
		}),

		OutboxPending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "outbox_pending", Help: "Outbox rows awaiting publication",
		}),
		OutboxDrained: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_drained_total", Help: "Outbox rows drained by outcome",
		}, []string{"outcome"}),
		OutboxDrainBatch: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "outbox_drain_batch_size", Help: "Rows processed per drain iteration",
			Buckets: prometheus.LinearBuckets(0, 25, 10),
		}),
		OutboxAttemptsExhausted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "outbox_attempts_exhausted_total", Help: "Rows that hit the attempt_count bound",
		}),

		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_published_total", Help: "Total events published",
		}, []string{"topic", "status"}),
		EventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_consumed_total", Help: "Total events consumed",
		}, []string{"topic", "status"}),
		EventProcessingDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "event_processing_duration_seconds", Help: "Event processing duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10},
		}, []string{"topic", "handler"}),
		EventLag: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "event_lag", Help: "Current consumer lag",
		}, []string{"topic", "partition"}),
		DeadLettered: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dead_lettered_total", Help: "Messages sent to a DLQ",
		}, []string{"topic", "reason"}),
		BatchSize: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "batch_size", Help: "Records per consumer batch",
			Buckets: prometheus.LinearBuckets(0, 50, 10),
		}, []string{"consumer"}),

		FeedMaterializeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "feed_materialize_duration_seconds", Help: "Time to regenerate one user's feed",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5},
		}),
		FeedCandidates: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "feed_candidates", Help: "Candidate set size before scoring",
			Buckets: prometheus.LinearBuckets(0, 100, 10),
		}),
		FeedScoringDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "feed_scoring_duration_seconds", Help: "Time to score all candidates for one user",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5},
		}),
		FeedComplexityRejected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_complexity_rejected_total", Help: "Read queries rejected by the complexity budget guard",
		}),
		FeedDiversifyDemotions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_diversify_demotions_total", Help: "Candidates demoted by the author saturation rule",
		}),

		JobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_runs_total", Help: "Background job executions by outcome",
		}, []string{"job", "outcome"}),
		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "job_duration_seconds", Help: "Background job execution duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"job"}),
		JobsSkippedOverlap: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "job_skipped_overlap_total", Help: "Job ticks skipped because a prior run was still in flight",
		}, []string{"job"}),

		WSConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "realtime_connections", Help: "Current WebSocket connections",
		}),
		WSMessagesIn: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_messages_in_total", Help: "Inbound WebSocket frames",
		}),
		WSMessagesOut: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_messages_out_total", Help: "Outbound WebSocket frames",
		}),
		WSMessageDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_messages_dropped_total", Help: "Messages dropped due to backpressure",
		}),
		StreamTrimmed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_stream_trimmed_total", Help: "XTRIM invocations by stream",
		}, []string{"stream"}),
		SyncReplayedEntries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "realtime_sync_replayed_entries_total", Help: "Entries replayed to reconnecting clients",
		}),

		NotificationsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_dispatched_total", Help: "Notification dispatch attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		NotificationsAbandoned: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_abandoned_total", Help: "Dispatches abandoned due to unconfigured channel or invalid payload",
		}, []string{"channel"}),
		NotificationsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_failed_total", Help: "Dispatches failed after exhausting retries",
		}, []string{"channel"}),
		NotificationRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notification_retries_total", Help: "Notification retry attempts",
		}),

		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "db_query_duration_seconds", Help: "Database query duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation", "table"}),
		DBConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "db_connections", Help: "Current database connections",
		}, []string{"state"}),
	}
}

// ObserveDBQuery is a small convenience used by repositories to time a query.
func (m *Metrics) ObserveDBQuery(operation, table string, start time.Time) {
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
}
