package telemetry

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for ferrite. The zero value and a
// nil receiver are no-ops, so collaborators can record unconditionally.
type Metrics struct {
	config MetricsConfig

	// Resolution metrics
	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	graphNodes         prometheus.Histogram

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Node metrics
	nodesProcessed *prometheus.CounterVec

	// Cache metrics
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cachedArtifacts *prometheus.GaugeVec
	cacheSizeBytes  *prometheus.GaugeVec

	// Store metrics
	storeOperations *prometheus.CounterVec
	storeDuration   *prometheus.HistogramVec
	storeErrors     *prometheus.CounterVec

	// Driver metrics
	driverCalls    *prometheus.CounterVec
	driverDuration *prometheus.HistogramVec
	driverErrors   *prometheus.CounterVec

	// Policy metrics
	policyEvaluations *prometheus.CounterVec
	policyDuration    prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	activeRuns  prometheus.Gauge
	queuedNodes prometheus.Gauge

	registry *prometheus.Registry

	serverMu sync.Mutex
	server   *http.Server
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

		// Resolution metrics
		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of graph resolutions",
			},
			[]string{"outcome"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of graph resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		graphNodes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_graph_nodes",
				Help:      "Number of nodes in resolved graphs",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
		),

		// Run metrics
		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of install runs started",
			},
			[]string{"root"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of install runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of install run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		// Node metrics
		nodesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_processed_total",
				Help:      "Total number of graph nodes processed by install runs",
			},
			[]string{"outcome"},
		),

		// Cache metrics
		cacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of artifact store lookups that found a binary",
			},
		),
		cacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of artifact store lookups that missed",
			},
		),
		cachedArtifacts: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_artifacts",
				Help:      "Current number of artifacts in a store backend",
			},
			[]string{"backend"},
		),
		cacheSizeBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_size_bytes",
				Help:      "Current size of a store backend in bytes",
			},
			[]string{"backend"},
		),

		// Store metrics
		storeOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of artifact store operations",
			},
			[]string{"backend", "operation"},
		),
		storeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Duration of artifact store operations in seconds",
				Buckets:   buckets,
			},
			[]string{"backend", "operation"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of artifact store errors",
			},
			[]string{"backend", "operation"},
		),

		// Driver metrics
		driverCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_calls_total",
				Help:      "Total number of build driver stage calls",
			},
			[]string{"driver", "stage"},
		),
		driverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "driver_stage_duration_seconds",
				Help:      "Duration of build driver stages in seconds",
				Buckets:   buckets,
			},
			[]string{"driver", "stage"},
		),
		driverErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_errors_total",
				Help:      "Total number of build driver stage failures",
			},
			[]string{"driver", "stage"},
		),

		// Policy metrics
		policyEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy gate evaluations",
			},
			[]string{"outcome"},
		),
		policyDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "policy_evaluation_duration_seconds",
				Help:      "Duration of policy gate evaluations in seconds",
				Buckets:   buckets,
			},
		),

		// Error metrics
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		// System metrics
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active install runs",
			},
		),
		queuedNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_nodes",
				Help:      "Current number of nodes waiting for a build slot",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.resolutions,
		m.resolutionDuration,
		m.graphNodes,
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.nodesProcessed,
		m.cacheHits,
		m.cacheMisses,
		m.cachedArtifacts,
		m.cacheSizeBytes,
		m.storeOperations,
		m.storeDuration,
		m.storeErrors,
		m.driverCalls,
		m.driverDuration,
		m.driverErrors,
		m.policyEvaluations,
		m.policyDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.activeRuns,
		m.queuedNodes,
	)

	return m, nil
}

// Resolution Metrics

// RecordResolution records a completed graph resolution.
func (m *Metrics) RecordResolution(outcome string, nodes int, duration time.Duration) {
	if m == nil || m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.resolutionDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if nodes > 0 {
		m.graphNodes.Observe(float64(nodes))
	}
}

// Run Metrics

// RecordRunStarted increments the counter for started install runs.
// root is the root package name.
func (m *Metrics) RecordRunStarted(root string) {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(root).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed install run with its status and
// duration.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Node Metrics

// RecordNodeOutcome counts one processed node. outcome is built, reused
// or failed.
func (m *Metrics) RecordNodeOutcome(outcome string) {
	if m == nil || m.nodesProcessed == nil {
		return
	}
	m.nodesProcessed.WithLabelValues(outcome).Inc()
}

// Cache Metrics

// RecordCacheHit counts an artifact lookup that found a binary.
func (m *Metrics) RecordCacheHit() {
	if m == nil || m.cacheHits == nil {
		return
	}
	m.cacheHits.Inc()
}

// RecordCacheMiss counts an artifact lookup that missed.
func (m *Metrics) RecordCacheMiss() {
	if m == nil || m.cacheMisses == nil {
		return
	}
	m.cacheMisses.Inc()
}

// SetCacheStats sets the artifact count and byte size gauges for a store
// backend.
func (m *Metrics) SetCacheStats(backend string, artifacts, sizeBytes float64) {
	if m == nil || m.cachedArtifacts == nil {
		return
	}
	m.cachedArtifacts.WithLabelValues(backend).Set(artifacts)
	m.cacheSizeBytes.WithLabelValues(backend).Set(sizeBytes)
}

// Store Metrics

// RecordStoreOperation records an artifact store operation with its
// duration.
func (m *Metrics) RecordStoreOperation(backend, operation string, duration time.Duration) {
	if m == nil || m.storeOperations == nil {
		return
	}
	m.storeOperations.WithLabelValues(backend, operation).Inc()
	m.storeDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordStoreError records an artifact store error.
func (m *Metrics) RecordStoreError(backend, operation string) {
	if m == nil || m.storeErrors == nil {
		return
	}
	m.storeErrors.WithLabelValues(backend, operation).Inc()
}

// Driver Metrics

// RecordDriverStage records a build driver stage call with its duration.
func (m *Metrics) RecordDriverStage(driver, stage string, duration time.Duration) {
	if m == nil || m.driverCalls == nil {
		return
	}
	m.driverCalls.WithLabelValues(driver, stage).Inc()
	m.driverDuration.WithLabelValues(driver, stage).Observe(duration.Seconds())
}

// RecordDriverError records a build driver stage failure.
func (m *Metrics) RecordDriverError(driver, stage string) {
	if m == nil || m.driverErrors == nil {
		return
	}
	m.driverErrors.WithLabelValues(driver, stage).Inc()
}

// Policy Metrics

// RecordPolicyEvaluation records a policy gate evaluation. outcome is
// allowed, violation or error.
func (m *Metrics) RecordPolicyEvaluation(outcome string, duration time.Duration) {
	if m == nil || m.policyEvaluations == nil {
		return
	}
	m.policyEvaluations.WithLabelValues(outcome).Inc()
	m.policyDuration.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// SetActiveRuns sets the current number of active install runs.
func (m *Metrics) SetActiveRuns(count float64) {
	if m == nil || m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(count)
}

// SetQueuedNodes sets the current number of nodes waiting for a build
// slot.
func (m *Metrics) SetQueuedNodes(count float64) {
	if m == nil || m.queuedNodes == nil {
		return
	}
	m.queuedNodes.Set(count)
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
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
// The listener is opened synchronously, so an occupied port surfaces here
// rather than in a goroutine. Serving continues until StopMetricsServer.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	m.serverMu.Lock()
	defer m.serverMu.Unlock()
	if m.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", m.config.ListenAddress)
	if err != nil {
		return err
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.server = server

	go func() {
		_ = server.Serve(ln)
	}()

	return nil
}

// StopMetricsServer shuts down the metrics HTTP server, if running.
func (m *Metrics) StopMetricsServer(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.serverMu.Lock()
	server := m.server
	m.server = nil
	m.serverMu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
