package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// Collector
// =============================================================================

// Collector holds the Prometheus vectors of the portal. Every Record method
// is safe to call on a nil *Collector, so components take an optional one.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// Session store
	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec

	// Batch service
	batchCallsTotal   *prometheus.CounterVec
	batchCallDuration *prometheus.HistogramVec

	// Wait loops
	pollCyclesTotal      *prometheus.CounterVec
	pollOutcomesTotal    *prometheus.CounterVec
	loopCompletionsTotal *prometheus.CounterVec
	activeLoops          prometheus.Gauge

	// Activities
	activityStartsTotal *prometheus.CounterVec
	cleanupFailures     *prometheus.CounterVec

	// Database
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector registered on the default registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry creates a collector registered on reg.
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// Session store
	c.storeOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_store_operations_total",
			Help:      "Total number of session store operations",
		},
		[]string{"operation", "status"},
	)

	c.storeOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_store_operation_duration_seconds",
			Help:      "Session store operation duration in seconds, queueing included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Batch service
	c.batchCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_calls_total",
			Help:      "Total number of batch service calls",
		},
		[]string{"activity", "call", "result"},
	)

	c.batchCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_call_duration_seconds",
			Help:      "Batch service call duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"activity", "call"},
	)

	// Wait loops
	c.pollCyclesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_loop_poll_cycles_total",
			Help:      "Total number of wait loop status checks",
		},
		[]string{"activity"},
	)

	c.pollOutcomesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_loop_poll_outcomes_total",
			Help:      "Status check classifications",
		},
		[]string{"activity", "classification"},
	)

	c.loopCompletionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wait_loop_completions_total",
			Help:      "Wait loops that reached a terminal phase",
		},
		[]string{"activity", "phase"},
	)

	c.activeLoops = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "wait_loops_active",
			Help:      "Unfinished wait loops seen by the last dispatch",
		},
	)

	// Activities
	c.activityStartsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activity_starts_total",
			Help:      "Activity start requests by result",
		},
		[]string{"activity", "result"},
	)

	c.cleanupFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stop_cleanup_failures_total",
			Help:      "Stop-session cleanup steps that failed",
		},
		[]string{"activity", "step"},
	)

	// Database
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// HTTP
// =============================================================================

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// Domain
// =============================================================================

// RecordStoreOperation records one queued session store operation.
func (c *Collector) RecordStoreOperation(operation string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.storeOperationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
	c.storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBatchCall records one call to the batch service.
func (c *Collector) RecordBatchCall(activity, call, result string, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchCallsTotal.WithLabelValues(activity, call, result).Inc()
	c.batchCallDuration.WithLabelValues(activity, call).Observe(duration.Seconds())
}

// RecordPoll records one wait-loop status check and how it was classified.
func (c *Collector) RecordPoll(activity, classification string) {
	if c == nil {
		return
	}
	c.pollCyclesTotal.WithLabelValues(activity).Inc()
	c.pollOutcomesTotal.WithLabelValues(activity, classification).Inc()
}

// RecordLoopFinished records a wait loop reaching a terminal phase.
func (c *Collector) RecordLoopFinished(activity, phase string) {
	if c == nil {
		return
	}
	c.loopCompletionsTotal.WithLabelValues(activity, phase).Inc()
}

// SetActiveLoops sets the number of unfinished wait loops.
func (c *Collector) SetActiveLoops(n int) {
	if c == nil {
		return
	}
	c.activeLoops.Set(float64(n))
}

// RecordActivityStart records the result of a start request.
func (c *Collector) RecordActivityStart(activity string, err error) {
	if c == nil {
		return
	}
	c.activityStartsTotal.WithLabelValues(activity, resultLabel(err)).Inc()
}

// RecordCleanupFailure records a failed stop-session sub-step.
func (c *Collector) RecordCleanupFailure(activity, step string) {
	if c == nil {
		return
	}
	c.cleanupFailures.WithLabelValues(activity, step).Inc()
}

// RecordDBConnections records database pool usage.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// =============================================================================
// Helpers
// =============================================================================

// statusCode folds an HTTP status into its class.
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
