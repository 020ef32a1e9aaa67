// Package metrics provides Prometheus metrics for dprod monitoring
// Exports HTTP, deployment pipeline, queue, container, and database metrics
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors for dprod
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Project/Deployment Metrics
	TotalProjectsGauge    prometheus.Gauge
	ActiveProjectsGauge   prometheus.Gauge
	TotalDeploymentsGauge prometheus.Gauge
	RunningDeployments    prometheus.Gauge

	// Pipeline Metrics
	DeploymentsTotal *prometheus.CounterVec
	BuildDuration    *prometheus.HistogramVec
	JobsInFlight     prometheus.Gauge

	// Queue Metrics
	QueueMessagesTotal *prometheus.CounterVec
	QueueErrorsTotal   *prometheus.CounterVec

	// Container Telemetry Metrics
	ContainerCPUUsage    *prometheus.GaugeVec
	ContainerMemoryUsage *prometheus.GaugeVec

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBQueryDuration     *prometheus.HistogramVec
	DBErrorsTotal       *prometheus.CounterVec

	// Cache Metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec
	CacheSize        *prometheus.GaugeVec

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics creates and registers all Prometheus metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	// HTTP Metrics
	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dprod",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dprod",
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	// Project/Deployment Metrics
	m.TotalProjectsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "platform",
			Name:      "total_projects",
			Help:      "Total number of projects",
		},
	)

	m.ActiveProjectsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "platform",
			Name:      "active_projects",
			Help:      "Number of projects with a deployment in the last hour",
		},
	)

	m.TotalDeploymentsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "platform",
			Name:      "total_deployments",
			Help:      "Total number of deployments",
		},
	)

	m.RunningDeployments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "platform",
			Name:      "running_deployments",
			Help:      "Number of deployments currently in running status",
		},
	)

	// Pipeline Metrics
	m.DeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "pipeline",
			Name:      "deployments_total",
			Help:      "Total number of processed deployments by tech stack and outcome",
		},
		[]string{"tech", "status"},
	)

	m.BuildDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dprod",
			Subsystem: "pipeline",
			Name:      "build_duration_seconds",
			Help:      "Docker image build duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		},
		[]string{"tech"},
	)

	m.JobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "pipeline",
			Name:      "jobs_in_flight",
			Help:      "Number of deployment jobs currently being processed",
		},
	)

	// Queue Metrics
	m.QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "queue",
			Name:      "messages_total",
			Help:      "Total number of queue messages by handling result",
		},
		[]string{"result"},
	)

	m.QueueErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "queue",
			Name:      "errors_total",
			Help:      "Total number of queue operation errors",
		},
		[]string{"operation"},
	)

	// Container Telemetry Metrics
	m.ContainerCPUUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "container",
			Name:      "cpu_usage_percent",
			Help:      "Container CPU usage percentage",
		},
		[]string{"container_id", "project"},
	)

	m.ContainerMemoryUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "container",
			Name:      "memory_usage_bytes",
			Help:      "Container memory usage in bytes",
		},
		[]string{"container_id", "project"},
	)

	// Database Metrics
	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "database",
			Name:      "connections_active",
			Help:      "Number of active database connections",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "database",
			Name:      "connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	m.DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dprod",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation", "table"},
	)

	m.DBErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "database",
			Name:      "errors_total",
			Help:      "Total number of database errors",
		},
		[]string{"operation", "error_type"},
	)

	// Cache Metrics
	m.CacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_name"},
	)

	m.CacheMissesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dprod",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_name"},
	)

	m.CacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "cache",
			Name:      "size_bytes",
			Help:      "Current cache size in bytes",
		},
		[]string{"cache_name"},
	)

	// System Metrics
	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "build",
			Name:      "info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "worker",
			Name:      "startup_timestamp",
			Help:      "Worker startup timestamp",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dprod",
			Subsystem: "worker",
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	// Set startup time
	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordDeployment records a completed deployment with its terminal outcome
func (m *Metrics) RecordDeployment(tech, status string, buildDuration time.Duration) {
	m.DeploymentsTotal.WithLabelValues(tech, status).Inc()
	if buildDuration > 0 {
		m.BuildDuration.WithLabelValues(tech).Observe(buildDuration.Seconds())
	}
}

// StartJob increments the in-flight job gauge
func (m *Metrics) StartJob() {
	m.JobsInFlight.Inc()
}

// EndJob decrements the in-flight job gauge
func (m *Metrics) EndJob() {
	m.JobsInFlight.Dec()
}

// RecordQueueMessage records how a received queue message was handled
func (m *Metrics) RecordQueueMessage(result string) {
	m.QueueMessagesTotal.WithLabelValues(result).Inc()
}

// RecordQueueError records a failed queue operation
func (m *Metrics) RecordQueueError(operation string) {
	m.QueueErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordContainerUsage records container resource usage from a stats snapshot
func (m *Metrics) RecordContainerUsage(containerID, project string, cpuPercent float64, memoryBytes int64) {
	m.ContainerCPUUsage.WithLabelValues(containerID, project).Set(cpuPercent)
	m.ContainerMemoryUsage.WithLabelValues(containerID, project).Set(float64(memoryBytes))
}

// ForgetContainer drops the gauge series of a removed container
func (m *Metrics) ForgetContainer(containerID, project string) {
	m.ContainerCPUUsage.DeleteLabelValues(containerID, project)
	m.ContainerMemoryUsage.DeleteLabelValues(containerID, project)
}

// RecordCacheOperation records a cache hit or miss
func (m *Metrics) RecordCacheOperation(cacheName string, hit bool) {
	if hit {
		m.CacheHitsTotal.WithLabelValues(cacheName).Inc()
	} else {
		m.CacheMissesTotal.WithLabelValues(cacheName).Inc()
	}
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	m.DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		m.DBErrorsTotal.WithLabelValues(operation, "query_error").Inc()
	}
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

// UpdateTotalProjects updates the total projects gauge
func (m *Metrics) UpdateTotalProjects(count int) {
	m.TotalProjectsGauge.Set(float64(count))
}

// UpdateActiveProjects updates the active projects gauge
func (m *Metrics) UpdateActiveProjects(count int) {
	m.ActiveProjectsGauge.Set(float64(count))
}

// UpdateTotalDeployments updates the total deployments gauge
func (m *Metrics) UpdateTotalDeployments(count int) {
	m.TotalDeploymentsGauge.Set(float64(count))
}

// UpdateRunningDeployments updates the running deployments gauge
func (m *Metrics) UpdateRunningDeployments(count int) {
	m.RunningDeployments.Set(float64(count))
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
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
