package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sketchbox"

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Execution metrics
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	FunctionCalls     prometheus.Histogram
	MemoryUsed        prometheus.Histogram
	ExecutionsRunning prometheus.Gauge

	// Boundary metrics
	Boundaries     *prometheus.CounterVec
	ProtocolErrors *prometheus.CounterVec

	// Pool metrics
	PoolSize    prometheus.Gauge
	PoolInUse   prometheus.Gauge
	PoolWait    prometheus.Histogram
	PoolRejects *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	// Snapshot for the JSON stats endpoint
	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds current metric values for the JSON API
type Snapshot struct {
	TotalRequests      int64            `json:"total_requests"`
	TotalErrors        int64            `json:"total_errors"`
	TotalExecutions    int64            `json:"total_executions"`
	ExecutionsByStatus map[string]int64 `json:"executions_by_status"`
	ForcedDestroys     int64            `json:"forced_destroys"`
	ProtocolErrors     int64            `json:"protocol_errors"`
	ActiveConnections  int64            `json:"active_connections"`
	UptimeSeconds      float64          `json:"uptime_seconds"`
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// falls back to a private registry, which keeps tests independent.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	m := &Metrics{
		startTime: time.Now(),
		snapshot:  Snapshot{ExecutionsByStatus: make(map[string]int64)},

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_size_bytes",
				Help:      "HTTP request size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_response_size_bytes",
				Help:      "HTTP response size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"method", "path"},
		),

		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of executions by terminal status",
			},
			[]string{"status"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock execution time in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		FunctionCalls: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_function_calls",
				Help:      "Counted calls per execution",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		MemoryUsed: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_memory_used_bytes",
				Help:      "Peak memory above baseline per execution",
				Buckets:   prometheus.ExponentialBuckets(64*1024, 4, 8),
			},
		),
		ExecutionsRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_running",
				Help:      "Number of executions in flight",
			},
		),

		Boundaries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "boundaries_total",
				Help:      "Isolation boundary lifecycle events",
			},
			[]string{"isolation", "event"},
		),
		ProtocolErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Frames dropped by the manager",
			},
			[]string{"reason"},
		),

		PoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_size",
				Help:      "Number of managers in the pool",
			},
		),
		PoolInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_in_use",
				Help:      "Number of managers currently checked out",
			},
		),
		PoolWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_wait_seconds",
				Help:      "Time spent waiting for a free manager",
				Buckets:   []float64{.0001, .001, .01, .1, .5, 1, 2.5, 5},
			},
		),
		PoolRejects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_rejects_total",
				Help:      "Requests the pool could not serve",
			},
			[]string{"reason"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "ws_connections",
				Help:      "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ws_messages_total",
				Help:      "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if status != "" && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordExecution records one resolved execution
func (m *Metrics) RecordExecution(status string, duration time.Duration, functionCalls, memoryUsed uint64) {
	m.Executions.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.FunctionCalls.Observe(float64(functionCalls))
	if memoryUsed > 0 {
		m.MemoryUsed.Observe(float64(memoryUsed))
	}

	m.mu.Lock()
	m.snapshot.TotalExecutions++
	m.snapshot.ExecutionsByStatus[status]++
	m.mu.Unlock()
}

// ExecutionStarted and ExecutionFinished track in-flight executions
func (m *Metrics) ExecutionStarted()  { m.ExecutionsRunning.Inc() }
func (m *Metrics) ExecutionFinished() { m.ExecutionsRunning.Dec() }

// Boundary events
const (
	BoundaryProvisioned = "provisioned"
	BoundaryDestroyed   = "destroyed"
	BoundaryForced      = "forced"
	BoundaryFailed      = "failed"
)

// RecordBoundary records a boundary lifecycle event
func (m *Metrics) RecordBoundary(isolation, event string) {
	m.Boundaries.WithLabelValues(isolation, event).Inc()
	if event == BoundaryForced {
		m.mu.Lock()
		m.snapshot.ForcedDestroys++
		m.mu.Unlock()
	}
}

// RecordProtocolError records a dropped frame
func (m *Metrics) RecordProtocolError(reason string) {
	m.ProtocolErrors.WithLabelValues(reason).Inc()
	m.mu.Lock()
	m.snapshot.ProtocolErrors++
	m.mu.Unlock()
}

// SetPoolSize sets the configured pool size
func (m *Metrics) SetPoolSize(size int) {
	m.PoolSize.Set(float64(size))
}

// SetPoolInUse sets the number of checked out managers
func (m *Metrics) SetPoolInUse(n int) {
	m.PoolInUse.Set(float64(n))
}

// RecordPoolReject records a request the pool turned away
func (m *Metrics) RecordPoolReject(reason string) {
	m.PoolRejects.WithLabelValues(reason).Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
	m.mu.Lock()
	m.snapshot.ActiveConnections++
	m.mu.Unlock()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
	m.mu.Lock()
	m.snapshot.ActiveConnections--
	m.mu.Unlock()
}

// Snapshot returns a copy of the current values
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := m.snapshot
	snap.ExecutionsByStatus = make(map[string]int64, len(m.snapshot.ExecutionsByStatus))
	for k, v := range m.snapshot.ExecutionsByStatus {
		snap.ExecutionsByStatus[k] = v
	}
	snap.UptimeSeconds = time.Since(m.startTime).Seconds()
	return snap
}
