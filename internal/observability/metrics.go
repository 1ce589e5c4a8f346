package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector of the engine. Components take a
// *Metrics that may be nil in tests.
type Metrics struct {
	// --- Ingestion ---
	IngestRecords      *prometheus.CounterVec
	IngestDuration     *prometheus.HistogramVec
	QuarantineSize     *prometheus.GaugeVec
	DataQualityIssues  *prometheus.CounterVec
	NATSPullLatency    *prometheus.HistogramVec
	EnrichmentRequests *prometheus.CounterVec

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	SourceSequenceGap     *prometheus.CounterVec
	SourceSequenceStale   *prometheus.CounterVec

	// --- Aggregation runs ---
	RunsTotal         *prometheus.CounterVec
	RunDuration       *prometheus.HistogramVec
	RunsCoalesced     prometheus.Counter
	RunsCancelled     prometheus.Counter
	FindingsDetected  *prometheus.CounterVec
	BreachTransitions *prometheus.CounterVec
	BreachWarnings    prometheus.Counter
	ActiveBreaches    *prometheus.GaugeVec

	// --- Correlation ---
	CorrelationRecomputes *prometheus.CounterVec
	CorrelationDuration   *prometheus.HistogramVec

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistRowsWritten  *prometheus.CounterVec
	PersistBatchDur     prometheus.Histogram
	PersistBatchSize    prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	RecoveryRows        *prometheus.CounterVec
	RecoveryDuration    prometheus.Gauge
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers every collector on the default registry.
func NewMetrics() *Metrics {
	runBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	ingestBuckets := []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05}

	return &Metrics{
		IngestRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_ingest_records_total",
			Help: "Inbound records by kind and outcome",
		}, []string{"kind", "outcome"}),

		IngestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskcore_ingest_duration_seconds",
			Help:    "Time to apply one inbound batch",
			Buckets: ingestBuckets,
		}, []string{"kind"}),

		QuarantineSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_quarantine_records",
			Help: "Records held in quarantine",
		}, []string{"tenant"}),

		DataQualityIssues: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_data_quality_issues_total",
			Help: "Data-quality items raised",
		}, []string{"reason"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskcore_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: ingestBuckets,
		}, []string{"subject"}),

		EnrichmentRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_enrichment_requests_total",
			Help: "External identifier mapping lookups",
		}, []string{"outcome"}),

		IdempotencyDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_idempotency_duplicates_total",
			Help: "Redelivered batches dropped",
		}, []string{"tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskcore_dedup_lru_size",
			Help: "Batch ids held in the dedup LRU",
		}),

		DedupLRUEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_dedup_lru_evictions_total",
			Help: "Batch ids evicted from the dedup LRU",
		}),

		SourceSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_source_sequence_gap_total",
			Help: "Gaps in per-book source sequences",
		}, []string{"tenant"}),

		SourceSequenceStale: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_source_sequence_stale_total",
			Help: "Records arriving with an already seen source sequence",
		}, []string{"tenant"}),

		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_aggregation_runs_total",
			Help: "Aggregation runs by outcome",
		}, []string{"outcome"}),

		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskcore_aggregation_run_duration_seconds",
			Help:    "Duration of one aggregation run",
			Buckets: runBuckets,
		}, []string{"outcome"}),

		RunsCoalesced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_aggregation_triggers_coalesced_total",
			Help: "Triggers folded into a pending run",
		}),

		RunsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_aggregation_runs_cancelled_total",
			Help: "Runs superseded before publishing",
		}),

		FindingsDetected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_overlap_findings_total",
			Help: "New overlap findings by trigger",
		}, []string{"trigger"}),

		BreachTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_breach_transitions_total",
			Help: "Breach state transitions by target state",
		}, []string{"to"}),

		BreachWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_breach_warnings_total",
			Help: "Warning-threshold crossings",
		}),

		ActiveBreaches: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_active_breaches",
			Help: "Open breaches per tenant",
		}, []string{"tenant"}),

		CorrelationRecomputes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_correlation_recomputes_total",
			Help: "Correlation matrix recomputations",
		}, []string{"type", "outcome"}),

		CorrelationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskcore_correlation_recompute_duration_seconds",
			Help:    "Time to recompute a correlation matrix",
			Buckets: runBuckets,
		}, []string{"type"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_channel_size",
			Help: "Current channel buffer occupancy",
		}, []string{"channel"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "riskcore_channel_utilization_ratio",
			Help: "Size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_projection_drops_total",
			Help: "Projection updates dropped on a full channel",
		}, []string{"projection"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_publish_drops_total",
			Help: "Outbound notifications dropped",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_persist_backpressure_total",
			Help: "Times the engine blocked on a full persist channel",
		}),

		PersistRowsWritten: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_persist_rows_written_total",
			Help: "Rows committed to Postgres by table",
		}, []string{"table"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskcore_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "riskcore_persist_batch_size",
			Help:    "Records per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "riskcore_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		RecoveryRows: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_recovery_rows_total",
			Help: "Rows replayed from Postgres at startup",
		}, []string{"table"}),

		RecoveryDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "riskcore_recovery_duration_seconds",
			Help: "Duration of the last startup recovery",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskcore_projection_update_duration_seconds",
			Help:    "Projection write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		}, []string{"projection"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "riskcore_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "riskcore_query_errors_total",
			Help: "Query errors by status code",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics records occupancy for one channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
