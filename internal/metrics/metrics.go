package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the attribution engine.
// Every Record* helper is safe to call on a nil *Metrics.
type Metrics struct {
	// Ingestion metrics
	EventsIngested   *prometheus.CounterVec
	IngestLatency    *prometheus.HistogramVec
	BackpressureWait *prometheus.CounterVec

	// Attribution metrics
	Attributions      *prometheus.CounterVec
	ModelErrors       *prometheus.CounterVec
	NoAttributionPath *prometheus.CounterVec

	// Aggregation metrics
	RecordsApplied   *prometheus.CounterVec
	AggregationLag   *prometheus.GaugeVec
	LagExceeded      *prometheus.CounterVec
	LateAdjustments  *prometheus.CounterVec
	PartitionVersion *prometheus.GaugeVec

	// Cache metrics
	CacheRequests    *prometheus.CounterVec
	CacheDegraded    prometheus.Gauge
	RecomputeLatency prometheus.Histogram

	// Invalidation bus metrics
	InvalidationsPublished *prometheus.CounterVec
	InvalidationsDropped   prometheus.Counter

	// Report metrics
	ReportJobs     *prometheus.CounterVec
	ReportDuration *prometheus.HistogramVec

	// System metrics
	WorkerRestarts   *prometheus.CounterVec
	DBConnections    *prometheus.GaugeVec
	RedisLatency     *prometheus.HistogramVec
	GeoLookupLatency prometheus.Histogram
}

// NewMetrics creates and registers all metrics with the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with reg. Tests pass a fresh registry.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		// Ingestion metrics
		EventsIngested: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_ingested_total",
				Help:      "Ingestion outcomes by status",
			},
			[]string{"campaign_id", "status"},
		),
		IngestLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_latency_seconds",
				Help:      "Synchronous ingestion latency",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5},
			},
			[]string{"status"},
		),
		BackpressureWait: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backpressure_throttled_total",
				Help:      "Ingestion calls delayed by aggregation backpressure",
			},
			[]string{"campaign_id"},
		),

		// Attribution metrics
		Attributions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attributions_total",
				Help:      "Conversions attributed",
			},
			[]string{"campaign_id", "model_id"},
		),
		ModelErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_errors_total",
				Help:      "Conversions skipped because the model could not be computed",
			},
			[]string{"campaign_id", "model_id"},
		),
		NoAttributionPath: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "no_attribution_path_total",
				Help:      "Conversions without a qualifying touchpoint",
			},
			[]string{"campaign_id"},
		),

		// Aggregation metrics
		RecordsApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregator_records_applied_total",
				Help:      "Attribution records applied to partitions",
			},
			[]string{"campaign_id"},
		),
		AggregationLag: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "aggregation_lag_events",
				Help:      "Head sequence minus last applied sequence",
			},
			[]string{"campaign_id"},
		),
		LagExceeded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregation_lag_exceeded_total",
				Help:      "Times a partition fell behind its lag limit",
			},
			[]string{"campaign_id"},
		),
		LateAdjustments: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "late_adjustments_total",
				Help:      "Deltas recorded against closed windows",
			},
			[]string{"campaign_id", "granularity"},
		),
		PartitionVersion: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "partition_version",
				Help:      "Current partition version",
			},
			[]string{"campaign_id"},
		),

		// Cache metrics
		CacheRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_requests_total",
				Help:      "Cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		CacheDegraded: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_shared_tier_degraded",
				Help:      "1 while the shared cache tier is unavailable",
			},
		),
		RecomputeLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_recompute_seconds",
				Help:      "Latency of cache recomputation from the aggregator",
				Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 1},
			},
		),

		// Invalidation bus metrics
		InvalidationsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidations_published_total",
				Help:      "Invalidation messages published",
			},
			[]string{"transport"},
		),
		InvalidationsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalidations_dropped_total",
				Help:      "Invalidation messages dropped on a full buffer",
			},
		),

		// Report metrics
		ReportJobs: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_jobs_total",
				Help:      "Report jobs by format and terminal state",
			},
			[]string{"format", "state"},
		),
		ReportDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "report_render_seconds",
				Help:      "Report rendering duration",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"format"},
		),

		// System metrics
		WorkerRestarts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_restarts_total",
				Help:      "Pipeline worker restarts after a failure",
			},
			[]string{"stage", "campaign_id"},
		),
		DBConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections",
				Help:      "Database connection pool stats",
			},
			[]string{"state"}, // idle, in_use, total
		),
		RedisLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "redis_latency_seconds",
				Help:      "Redis operation latency",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
			},
			[]string{"operation"},
		),
		GeoLookupLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "geo_lookup_latency_seconds",
				Help:      "GeoIP lookup latency",
				Buckets:   []float64{0.00001, 0.0001, 0.001, 0.01},
			},
		),
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordIngest records one ingestion outcome.
func (m *Metrics) RecordIngest(campaignID, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.EventsIngested.WithLabelValues(campaignID, status).Inc()
	m.IngestLatency.WithLabelValues(status).Observe(latency.Seconds())
}

// RecordBackpressure records an ingestion call delayed by backpressure.
func (m *Metrics) RecordBackpressure(campaignID string) {
	if m == nil {
		return
	}
	m.BackpressureWait.WithLabelValues(campaignID).Inc()
}

// RecordAttribution records an attributed conversion.
func (m *Metrics) RecordAttribution(campaignID, modelID string, noPath bool) {
	if m == nil {
		return
	}
	m.Attributions.WithLabelValues(campaignID, modelID).Inc()
	if noPath {
		m.NoAttributionPath.WithLabelValues(campaignID).Inc()
	}
}

// RecordModelError records a conversion skipped by a model failure.
func (m *Metrics) RecordModelError(campaignID, modelID string) {
	if m == nil {
		return
	}
	m.ModelErrors.WithLabelValues(campaignID, modelID).Inc()
}

// RecordApplied records an applied record and the resulting partition version.
func (m *Metrics) RecordApplied(campaignID string, version int64) {
	if m == nil {
		return
	}
	m.RecordsApplied.WithLabelValues(campaignID).Inc()
	m.PartitionVersion.WithLabelValues(campaignID).Set(float64(version))
}

// SetLag updates the aggregation lag gauge.
func (m *Metrics) SetLag(campaignID string, lag int64) {
	if m == nil {
		return
	}
	m.AggregationLag.WithLabelValues(campaignID).Set(float64(lag))
}

// RecordLagExceeded records a partition falling behind its lag limit.
func (m *Metrics) RecordLagExceeded(campaignID string) {
	if m == nil {
		return
	}
	m.LagExceeded.WithLabelValues(campaignID).Inc()
}

// RecordLateAdjustment records a delta routed to the reconciliation ledger.
func (m *Metrics) RecordLateAdjustment(campaignID, granularity string) {
	if m == nil {
		return
	}
	m.LateAdjustments.WithLabelValues(campaignID, granularity).Inc()
}

// RecordCache records a cache lookup result (hit, miss, stale, rejected).
func (m *Metrics) RecordCache(tier, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(tier, result).Inc()
}

// SetCacheDegraded flips the shared-tier degradation gauge.
func (m *Metrics) SetCacheDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.CacheDegraded.Set(1)
		return
	}
	m.CacheDegraded.Set(0)
}

// RecordRecompute records a cache recompute duration.
func (m *Metrics) RecordRecompute(latency time.Duration) {
	if m == nil {
		return
	}
	m.RecomputeLatency.Observe(latency.Seconds())
}

// RecordInvalidation records a published invalidation.
func (m *Metrics) RecordInvalidation(transport string) {
	if m == nil {
		return
	}
	m.InvalidationsPublished.WithLabelValues(transport).Inc()
}

// RecordInvalidationDropped records an invalidation lost to a full buffer.
func (m *Metrics) RecordInvalidationDropped() {
	if m == nil {
		return
	}
	m.InvalidationsDropped.Inc()
}

// RecordReport records a finished report job.
func (m *Metrics) RecordReport(format, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReportJobs.WithLabelValues(format, state).Inc()
	m.ReportDuration.WithLabelValues(format).Observe(duration.Seconds())
}

// RecordWorkerRestart records a pipeline worker restart.
func (m *Metrics) RecordWorkerRestart(stage, campaignID string) {
	if m == nil {
		return
	}
	m.WorkerRestarts.WithLabelValues(stage, campaignID).Inc()
}

// RecordRedis records a Redis operation latency.
func (m *Metrics) RecordRedis(operation string, latency time.Duration) {
	if m == nil {
		return
	}
	m.RedisLatency.WithLabelValues(operation).Observe(latency.Seconds())
}

// RecordGeoLookup records a geo lookup.
func (m *Metrics) RecordGeoLookup(latency time.Duration) {
	if m == nil {
		return
	}
	m.GeoLookupLatency.Observe(latency.Seconds())
}

// UpdateDBStats updates database connection metrics.
func (m *Metrics) UpdateDBStats(idle, inUse, total int) {
	if m == nil {
		return
	}
	m.DBConnections.WithLabelValues("idle").Set(float64(idle))
	m.DBConnections.WithLabelValues("in_use").Set(float64(inUse))
	m.DBConnections.WithLabelValues("total").Set(float64(total))
}
