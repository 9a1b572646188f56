package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for LendLedger.
type Metrics struct {
	// --- Operations ---
	OperationsApplied  *prometheus.CounterVec
	OperationsRejected *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	StoreConflicts     prometheus.Counter

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ProjectionDrops     prometheus.Counter
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Ingestion ---
	IngestMessages *prometheus.CounterVec
	PublishErrors  prometheus.Counter

	// --- Persistence ---
	PersistOperationsWritten prometheus.Counter
	PersistBatchSize         prometheus.Histogram
	PersistBatchDur          prometheus.Histogram
	PersistErrors            *prometheus.CounterVec
	PersistRetry             prometheus.Counter

	// --- Projection ---
	ProjectionUpdateDur prometheus.Histogram
	ProjectionErrors    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
	}
	ioBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	return &Metrics{
		OperationsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_operations_applied_total",
			Help: "Instructions committed to a position",
		}, []string{"operation"}),
		OperationsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_operations_rejected_total",
			Help: "Instructions rejected, by reason",
		}, []string{"operation", "reason"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_operation_duration_seconds",
			Help:    "Decode to commit latency",
			Buckets: opBuckets,
		}, []string{"operation"}),
		StoreConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_store_conflicts_total",
			Help: "Optimistic store transactions retried after a concurrent write",
		}),

		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lend_channel_size",
			Help: "Buffered items per output channel",
		}, []string{"channel"}),
		ProjectionDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_projection_drops_total",
			Help: "Committed operations dropped because the projection channel was full",
		}),
		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Committed operations dropped because the publish channel was full",
		}),
		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times the processor blocked on a full persist channel",
		}),

		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_idempotency_duplicates_total",
			Help: "Duplicate request ids detected, by tier",
		}, []string{"tier"}),
		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "lend_dedup_lru_size",
			Help: "Entries in the in-memory idempotency LRU",
		}),
		DedupLRUEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_dedup_lru_evictions_total",
			Help: "Entries evicted from the idempotency LRU",
		}),
		DedupTier2Errors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_dedup_tier2_errors_total",
			Help: "Failed operation-log lookups during duplicate detection",
		}),

		IngestMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_ingest_messages_total",
			Help: "NATS instruction messages handled, by outcome",
		}, []string{"outcome"}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_errors_total",
			Help: "Committed operations that failed to publish",
		}),

		PersistOperationsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_operations_written_total",
			Help: "Rows written to the operation log",
		}),
		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Operations per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),
		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: ioBuckets,
		}),
		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persist failures by kind",
		}, []string{"kind"}),
		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retries_total",
			Help: "Batch write retries",
		}),

		ProjectionUpdateDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_projection_update_duration_seconds",
			Help:    "Time to apply one operation to the activity projection",
			Buckets: ioBuckets,
		}),
		ProjectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "lend_projection_errors_total",
			Help: "Failed projection updates",
		}),

		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_query_requests_total",
			Help: "Query requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_query_duration_seconds",
			Help:    "Query latency by endpoint",
			Buckets: ioBuckets,
		}, []string{"endpoint"}),
	}
}
