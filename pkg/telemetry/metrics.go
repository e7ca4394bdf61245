package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statecraft/statecraft/pkg/cache"
)

// Metrics provides Prometheus metrics for statecraft.
type Metrics struct {
	config MetricsConfig

	// State operation metrics
	stateOperations   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Resource metrics
	resourcesTracked *prometheus.GaugeVec

	// State event metrics
	stateEvents *prometheus.CounterVec

	// Drift metrics
	driftChecks   *prometheus.CounterVec
	driftFindings *prometheus.CounterVec

	// Conflict metrics
	conflictsResolved *prometheus.CounterVec

	// Snapshot metrics
	snapshotOps      *prometheus.CounterVec
	snapshotDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	// Background loop metrics
	loopRuns *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	// Create a new registry
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		// State operation metrics
		stateOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_operations_total",
				Help:      "Total number of state operations",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_operation_duration_seconds",
				Help:      "Duration of state operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		// Resource metrics
		resourcesTracked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "resources_tracked",
				Help:      "Current number of tracked resources",
			},
			[]string{"type", "state"},
		),

		// State event metrics
		stateEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_events_total",
				Help:      "Total number of published state change notifications",
			},
			[]string{"type"},
		),

		// Drift metrics
		driftChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_checks_total",
				Help:      "Total number of drift check passes",
			},
			[]string{"status"},
		),
		driftFindings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_findings_total",
				Help:      "Total number of drift findings",
			},
			[]string{"drift_type", "severity"},
		),

		// Conflict metrics
		conflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_resolved_total",
				Help:      "Total number of resolved write conflicts",
			},
			[]string{"resource_type", "strategy"},
		),

		// Snapshot metrics
		snapshotOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshots_total",
				Help:      "Total number of snapshot operations",
			},
			[]string{"operation"},
		),
		snapshotDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "snapshot_duration_seconds",
				Help:      "Duration of snapshot operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),

		// Background loop metrics
		loopRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loop_runs_total",
				Help:      "Total number of background loop iterations",
			},
			[]string{"loop", "status"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.stateOperations,
		m.operationDuration,
		m.resourcesTracked,
		m.stateEvents,
		m.driftChecks,
		m.driftFindings,
		m.conflictsResolved,
		m.snapshotOps,
		m.snapshotDuration,
		m.errorsByClass,
		m.loopRuns,
	)

	return m, nil
}

// State Operation Metrics

// RecordOperation records a state operation with its status and duration.
func (m *Metrics) RecordOperation(operation, status string, duration time.Duration) {
	if m.stateOperations == nil {
		return
	}
	m.stateOperations.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Resource Metrics

// SetResourceCount sets the current count of tracked resources.
func (m *Metrics) SetResourceCount(resourceType, state string, count float64) {
	if m.resourcesTracked == nil {
		return
	}
	m.resourcesTracked.WithLabelValues(resourceType, state).Set(count)
}

// ResetResourceCounts clears every tracked-resource gauge. Callers
// refreshing counts from a full listing reset first so (type, state)
// pairs that emptied out do not report their last value forever.
func (m *Metrics) ResetResourceCounts() {
	if m.resourcesTracked == nil {
		return
	}
	m.resourcesTracked.Reset()
}

// State Event Metrics

// RecordStateEvent counts a published state change notification by type.
func (m *Metrics) RecordStateEvent(eventType string) {
	if m.stateEvents == nil {
		return
	}
	m.stateEvents.WithLabelValues(eventType).Inc()
}

// Drift Metrics

// RecordDriftCheck counts a drift check pass by outcome.
func (m *Metrics) RecordDriftCheck(status string) {
	if m.driftChecks == nil {
		return
	}
	m.driftChecks.WithLabelValues(status).Inc()
}

// RecordDriftFinding counts a drift finding by type and severity.
func (m *Metrics) RecordDriftFinding(driftType, severity string) {
	if m.driftFindings == nil {
		return
	}
	m.driftFindings.WithLabelValues(driftType, severity).Inc()
}

// Conflict Metrics

// RecordConflict counts a resolved write conflict.
func (m *Metrics) RecordConflict(resourceType, strategy string) {
	if m.conflictsResolved == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(resourceType, strategy).Inc()
}

// Snapshot Metrics

// RecordSnapshot records a snapshot operation (create, restore) with its
// duration.
func (m *Metrics) RecordSnapshot(operation string, duration time.Duration) {
	if m.snapshotOps == nil {
		return
	}
	m.snapshotOps.WithLabelValues(operation).Inc()
	m.snapshotDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Loop Metrics

// RecordLoopRun counts a background loop iteration by outcome.
func (m *Metrics) RecordLoopRun(loop, status string) {
	if m.loopRuns == nil {
		return
	}
	m.loopRuns.WithLabelValues(loop, status).Inc()
}

// RegisterCacheStats registers a collector that exports tier statistics
// straight from the cache on every scrape.
func (m *Metrics) RegisterCacheStats(stats func() []cache.TierStats) error {
	if m.registry == nil {
		return nil
	}
	return m.registry.Register(newCacheStatsCollector(m.config.Namespace, stats))
}

// cacheStatsCollector adapts cache.TierStats snapshots to Prometheus
// metrics without the cache package knowing about Prometheus.
type cacheStatsCollector struct {
	stats func() []cache.TierStats

	hits       *prometheus.Desc
	misses     *prometheus.Desc
	evictions  *prometheus.Desc
	promotions *prometheus.Desc
	demotions  *prometheus.Desc
	entries    *prometheus.Desc
	bytes      *prometheus.Desc
	capacity   *prometheus.Desc
}

func newCacheStatsCollector(namespace string, stats func() []cache.TierStats) *cacheStatsCollector {
	labels := []string{"tier"}
	fqName := func(name string) string {
		return prometheus.BuildFQName(namespace, "cache", name)
	}
	return &cacheStatsCollector{
		stats:      stats,
		hits:       prometheus.NewDesc(fqName("hits_total"), "Total cache hits per tier", labels, nil),
		misses:     prometheus.NewDesc(fqName("misses_total"), "Total cache misses per tier", labels, nil),
		evictions:  prometheus.NewDesc(fqName("evictions_total"), "Total cache evictions per tier", labels, nil),
		promotions: prometheus.NewDesc(fqName("promotions_total"), "Total promotions into this tier", labels, nil),
		demotions:  prometheus.NewDesc(fqName("demotions_total"), "Total demotions into this tier", labels, nil),
		entries:    prometheus.NewDesc(fqName("entries"), "Current entries per tier", labels, nil),
		bytes:      prometheus.NewDesc(fqName("bytes"), "Current bytes per tier", labels, nil),
		capacity:   prometheus.NewDesc(fqName("capacity_bytes"), "Byte capacity per tier", labels, nil),
	}
}

func (c *cacheStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.promotions
	ch <- c.demotions
	ch <- c.entries
	ch <- c.bytes
	ch <- c.capacity
}

func (c *cacheStatsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stats() {
		ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.promotions, prometheus.CounterValue, float64(s.Promotions), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.demotions, prometheus.CounterValue, float64(s.Demotions), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.Bytes), s.Tier)
		ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity), s.Tier)
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
