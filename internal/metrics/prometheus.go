// Package metrics provides Prometheus-based metrics collection for scanorama.
// Industry-standard Prometheus client library collectors, one set per
// package in the scan-execution core: pacer admission, probe-engine
// outcomes, scheduler lifecycle, the result aggregator's writer, and the
// storage layer.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all scanorama metrics
	namespace = "scanorama"

	// Subsystems
	subsystemPacer      = "pacer"
	subsystemEngine     = "engine"
	subsystemScheduler  = "scheduler"
	subsystemAggregator = "aggregator"
	subsystemDatabase   = "database"
	subsystemSystem     = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors.
type PrometheusMetrics struct {
	// Pacer metrics
	probesAdmitted *prometheus.CounterVec
	probesDeferred *prometheus.CounterVec
	hostgroupOccupancy prometheus.Gauge

	// Engine metrics
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// Scheduler metrics
	runsTotal          *prometheus.CounterVec
	concurrencyCap     prometheus.Gauge
	circuitBreakerTrips *prometheus.CounterVec

	// Aggregator metrics
	resultsSubmitted  prometheus.Counter
	batchesCommitted  *prometheus.CounterVec
	batchCommitLatency prometheus.Histogram

	// Database metrics
	dbQueries       *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec
	dbConnections   prometheus.Gauge
	dbErrors        *prometheus.CounterVec

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initPacerMetrics()
	pm.initEngineMetrics()
	pm.initSchedulerMetrics()
	pm.initAggregatorMetrics()
	pm.initDatabaseMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initPacerMetrics initializes pacer admission/backoff metrics.
func (pm *PrometheusMetrics) initPacerMetrics() {
	pm.probesAdmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPacer,
			Name:      "probes_admitted_total",
			Help:      "Total number of probes admitted by pacer layer",
		},
		[]string{"layer"},
	)

	pm.probesDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemPacer,
			Name:      "probes_deferred_total",
			Help:      "Total number of probes deferred due to ICMP backoff",
		},
		[]string{"reason"},
	)

	pm.hostgroupOccupancy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemPacer,
			Name:      "hostgroup_occupancy",
			Help:      "Number of targets currently holding a hostgroup permit",
		},
	)
}

// initEngineMetrics initializes probe-engine outcome metrics.
func (pm *PrometheusMetrics) initEngineMetrics() {
	pm.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "probes_total",
			Help:      "Total number of port probes by transport and resulting state",
		},
		[]string{"transport", "state"},
	)

	pm.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemEngine,
			Name:      "probe_duration_seconds",
			Help:      "Duration of a single port probe attempt in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"transport"},
	)
}

// initSchedulerMetrics initializes run-lifecycle and concurrency metrics.
func (pm *PrometheusMetrics) initSchedulerMetrics() {
	pm.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "runs_total",
			Help:      "Total number of scheduler runs by terminal status",
		},
		[]string{"status"},
	)

	pm.concurrencyCap = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "concurrency_cap",
			Help:      "Most recently observed adaptive per-target concurrency cap",
		},
	)

	pm.circuitBreakerTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScheduler,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of per-target circuit breaker trips",
		},
		[]string{"target"},
	)
}

// initAggregatorMetrics initializes result-aggregator write metrics.
func (pm *PrometheusMetrics) initAggregatorMetrics() {
	pm.resultsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAggregator,
			Name:      "results_submitted_total",
			Help:      "Total number of results submitted to the aggregator",
		},
	)

	pm.batchesCommitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAggregator,
			Name:      "batches_committed_total",
			Help:      "Total number of result batches committed by the async writer, by outcome",
		},
		[]string{"outcome"},
	)

	pm.batchCommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemAggregator,
			Name:      "batch_commit_latency_seconds",
			Help:      "Latency of a single batch commit attempt in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
	)
}

// initDatabaseMetrics initializes storage-layer metrics.
func (pm *PrometheusMetrics) initDatabaseMetrics() {
	pm.dbQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "queries_total",
			Help:      "Total number of database queries by operation and status",
		},
		[]string{"operation", "status"},
	)

	pm.dbQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		},
		[]string{"operation"},
	)

	pm.dbConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	pm.dbErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemDatabase,
			Name:      "errors_total",
			Help:      "Total number of database errors by operation and error type",
		},
		[]string{"operation", "error_type"},
	)
}

// initSystemMetrics initializes process-level metrics.
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry.
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(pm.probesAdmitted)
	pm.registry.MustRegister(pm.probesDeferred)
	pm.registry.MustRegister(pm.hostgroupOccupancy)

	pm.registry.MustRegister(pm.probesTotal)
	pm.registry.MustRegister(pm.probeDuration)

	pm.registry.MustRegister(pm.runsTotal)
	pm.registry.MustRegister(pm.concurrencyCap)
	pm.registry.MustRegister(pm.circuitBreakerTrips)

	pm.registry.MustRegister(pm.resultsSubmitted)
	pm.registry.MustRegister(pm.batchesCommitted)
	pm.registry.MustRegister(pm.batchCommitLatency)

	pm.registry.MustRegister(pm.dbQueries)
	pm.registry.MustRegister(pm.dbQueryDuration)
	pm.registry.MustRegister(pm.dbConnections)
	pm.registry.MustRegister(pm.dbErrors)

	pm.registry.MustRegister(pm.memoryUsage)
	pm.registry.MustRegister(pm.goroutines)
	pm.registry.MustRegister(pm.uptime)
}

// GetRegistry returns the Prometheus registry for an HTTP handler.
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Pacer metrics methods.

// IncrementProbesAdmitted increments the admitted-probe counter for layer
// ("global", "hostgroup", or "backoff").
func (pm *PrometheusMetrics) IncrementProbesAdmitted(layer string) {
	pm.probesAdmitted.WithLabelValues(layer).Inc()
}

// IncrementProbesDeferred increments the deferred-probe counter.
func (pm *PrometheusMetrics) IncrementProbesDeferred(reason string) {
	pm.probesDeferred.WithLabelValues(reason).Inc()
}

// SetHostgroupOccupancy records the hostgroup limiter's current occupancy.
func (pm *PrometheusMetrics) SetHostgroupOccupancy(count int) {
	pm.hostgroupOccupancy.Set(float64(count))
}

// Engine metrics methods.

// IncrementProbesTotal increments the probe-outcome counter.
func (pm *PrometheusMetrics) IncrementProbesTotal(transport, state string) {
	pm.probesTotal.WithLabelValues(transport, state).Inc()
}

// RecordProbeDuration records a single probe attempt's duration.
func (pm *PrometheusMetrics) RecordProbeDuration(transport string, duration time.Duration) {
	pm.probeDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// Scheduler metrics methods.

// IncrementRunsTotal increments the run-outcome counter.
func (pm *PrometheusMetrics) IncrementRunsTotal(status string) {
	pm.runsTotal.WithLabelValues(status).Inc()
}

// SetConcurrencyCap records the adaptive concurrency limiter's current cap.
func (pm *PrometheusMetrics) SetConcurrencyCap(cap int64) {
	pm.concurrencyCap.Set(float64(cap))
}

// IncrementCircuitBreakerTrips increments the trip counter for target.
func (pm *PrometheusMetrics) IncrementCircuitBreakerTrips(target string) {
	pm.circuitBreakerTrips.WithLabelValues(target).Inc()
}

// Aggregator metrics methods.

// IncrementResultsSubmitted increments the results-submitted counter.
func (pm *PrometheusMetrics) IncrementResultsSubmitted() {
	pm.resultsSubmitted.Inc()
}

// IncrementBatchesCommitted increments the batch-commit counter for outcome
// ("success" or "failure").
func (pm *PrometheusMetrics) IncrementBatchesCommitted(outcome string) {
	pm.batchesCommitted.WithLabelValues(outcome).Inc()
}

// RecordBatchCommitLatency records one batch commit attempt's latency.
func (pm *PrometheusMetrics) RecordBatchCommitLatency(duration time.Duration) {
	pm.batchCommitLatency.Observe(duration.Seconds())
}

// Database metrics methods.

// IncrementDatabaseQueries increments database query counter.
func (pm *PrometheusMetrics) IncrementDatabaseQueries(operation, status string) {
	pm.dbQueries.WithLabelValues(operation, status).Inc()
}

// RecordDatabaseQueryDuration records database query duration.
func (pm *PrometheusMetrics) RecordDatabaseQueryDuration(operation string, duration time.Duration) {
	pm.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveConnections sets the number of active database connections.
func (pm *PrometheusMetrics) SetActiveConnections(count int) {
	pm.dbConnections.Set(float64(count))
}

// IncrementDatabaseErrors increments database error counter.
func (pm *PrometheusMetrics) IncrementDatabaseErrors(operation, errorType string) {
	pm.dbErrors.WithLabelValues(operation, errorType).Inc()
}

// System metrics methods.

// UpdateSystemMetrics updates all system metrics with current values.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// Utility methods.

// GetUptime returns the application uptime.
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time.
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates starts a goroutine that periodically updates system metrics.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access.
var (
	globalMetrics *PrometheusMetrics
	metricsOnce   sync.Once
)

// GetGlobalMetrics returns the global Prometheus metrics instance.
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}

// Convenience functions using the global instance.

// RecordProbeDurationPrometheus records a probe duration using global metrics.
func RecordProbeDurationPrometheus(transport string, duration time.Duration) {
	GetGlobalMetrics().RecordProbeDuration(transport, duration)
}

// IncrementProbesTotalPrometheus increments the probe-outcome counter using global metrics.
func IncrementProbesTotalPrometheus(transport, state string) {
	GetGlobalMetrics().IncrementProbesTotal(transport, state)
}

// IncrementRunsTotalPrometheus increments the run-outcome counter using global metrics.
func IncrementRunsTotalPrometheus(status string) {
	GetGlobalMetrics().IncrementRunsTotal(status)
}

// RecordDatabaseQueryPrometheus records database query metrics using global metrics.
func RecordDatabaseQueryPrometheus(operation string, duration time.Duration, success bool) {
	m := GetGlobalMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.IncrementDatabaseQueries(operation, status)
	m.RecordDatabaseQueryDuration(operation, duration)
}

// SetActiveConnectionsPrometheus sets active database connections using global metrics.
func SetActiveConnectionsPrometheus(count int) {
	GetGlobalMetrics().SetActiveConnections(count)
}
