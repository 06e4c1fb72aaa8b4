package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/s3desk/s3desk/internal/config"
	"github.com/s3desk/s3desk/internal/objstore"
	"github.com/sirupsen/logrus"
)

const namespace = "s3desk"

// Manager records s3desk metrics. When metrics are disabled every
// method is a no-op.
type Manager interface {
	RecordHTTPRequest(method, route, status string, duration time.Duration)
	// RecordS3Operation matches objstore.Observer
	RecordS3Operation(operation string, duration time.Duration, err error)
	RecordUpload(success bool, bytes int64)
	RecordAuthAttempt(method string, success bool)
	UpdateSystemMetrics(stats *SystemStats)

	GetMetricsHandler() http.Handler
	IsHealthy() bool
	Middleware() func(http.Handler) http.Handler

	Start(ctx context.Context) error
	Stop() error
}

type metricsManager struct {
	registry *prometheus.Registry
	sampler  *SystemSampler
	interval time.Duration

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	s3OperationsTotal   *prometheus.CounterVec
	s3OperationDuration *prometheus.HistogramVec
	s3ErrorsTotal       *prometheus.CounterVec

	uploadsTotal      *prometheus.CounterVec
	uploadBytesTotal  prometheus.Counter
	authAttemptsTotal *prometheus.CounterVec

	systemCPUUsage    prometheus.Gauge
	systemMemoryUsage prometheus.Gauge
	systemDiskUsage   prometheus.Gauge

	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.RWMutex
}

// NewManager creates a new metrics manager. dataDir is sampled for disk usage.
func NewManager(cfg config.MetricsConfig, dataDir string) Manager {
	if !cfg.Enable {
		return &noopManager{}
	}

	interval := time.Duration(cfg.Interval) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	m := &metricsManager{
		registry: prometheus.NewRegistry(),
		sampler:  NewSystemSampler(dataDir),
		interval: interval,
	}
	m.initializeMetrics()
	m.registerMetrics()
	return m
}

func counterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, labels)
}

func histogramVec(subsystem, name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
		Buckets: prometheus.DefBuckets,
	}, labels)
}

func gauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	})
}

func (m *metricsManager) initializeMetrics() {
	m.httpRequestsTotal = counterVec("http", "requests_total",
		"HTTP requests served, by route template", "method", "route", "status")
	m.httpRequestDuration = histogramVec("http", "request_duration_seconds",
		"HTTP request latency", "method", "route")

	m.s3OperationsTotal = counterVec("s3", "operations_total",
		"Calls made to the object store", "operation", "status")
	m.s3OperationDuration = histogramVec("s3", "operation_duration_seconds",
		"Object store call latency", "operation")
	m.s3ErrorsTotal = counterVec("s3", "errors_total",
		"Failed object store calls by error class", "operation", "error_type")

	m.uploadsTotal = counterVec("upload", "total", "Streamed uploads by outcome", "status")
	m.uploadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "upload", Name: "bytes_total",
		Help: "Bytes streamed to the object store by uploads",
	})
	m.authAttemptsTotal = counterVec("auth", "attempts_total", "Sign-in attempts", "method", "result")

	m.systemCPUUsage = gauge("system", "cpu_usage_percent", "Host CPU usage")
	m.systemMemoryUsage = gauge("system", "memory_usage_percent", "Host memory usage")
	m.systemDiskUsage = gauge("system", "disk_usage_percent", "Disk usage of the data directory")
}

func (m *metricsManager) registerMetrics() {
	m.registry.MustRegister(
		m.httpRequestsTotal, m.httpRequestDuration,
		m.s3OperationsTotal, m.s3OperationDuration, m.s3ErrorsTotal,
		m.uploadsTotal, m.uploadBytesTotal, m.authAttemptsTotal,
		m.systemCPUUsage, m.systemMemoryUsage, m.systemDiskUsage,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (m *metricsManager) RecordHTTPRequest(method, route, status string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (m *metricsManager) RecordS3Operation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
		m.s3ErrorsTotal.WithLabelValues(operation, s3ErrorType(err)).Inc()
	}
	m.s3OperationsTotal.WithLabelValues(operation, status).Inc()
	m.s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *metricsManager) RecordUpload(success bool, bytes int64) {
	if !success {
		m.uploadsTotal.WithLabelValues("error").Inc()
		return
	}
	m.uploadsTotal.WithLabelValues("success").Inc()
	if bytes > 0 {
		m.uploadBytesTotal.Add(float64(bytes))
	}
}

func (m *metricsManager) RecordAuthAttempt(method string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.authAttemptsTotal.WithLabelValues(method, result).Inc()
}

func (m *metricsManager) UpdateSystemMetrics(stats *SystemStats) {
	if stats == nil {
		return
	}
	m.systemCPUUsage.Set(stats.CPUPercent)
	m.systemMemoryUsage.Set(stats.MemoryPercent)
	m.systemDiskUsage.Set(stats.DiskPercent)
}

func (m *metricsManager) GetMetricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsManager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Middleware records request counts and latency labelled by the matched
// route template, so object keys in paths do not create new series.
func (m *metricsManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriterWrapper{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, routeTemplate(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
		})
	}
}

// Start begins periodic system sampling until ctx ends or Stop is called
func (m *metricsManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("metrics manager already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.sampleLoop(ctx, m.done)
	return nil
}

func (m *metricsManager) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("metrics manager not started")
	}
	m.cancel()
	done := m.done
	m.started = false
	m.mu.Unlock()

	<-done
	return nil
}

func (m *metricsManager) sampleLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *metricsManager) sample() {
	stats, err := m.sampler.Sample()
	if err != nil {
		logrus.WithError(err).Debug("Failed to sample system metrics")
		return
	}
	m.UpdateSystemMetrics(stats)
}

// routeTemplate returns the mux route template of r, or "unmatched"
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// s3ErrorType classifies an objstore error into a low-cardinality label
func s3ErrorType(err error) string {
	switch {
	case errors.Is(err, objstore.ErrObjectNotFound), errors.Is(err, objstore.ErrBucketNotFound):
		return "not_found"
	case errors.Is(err, objstore.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}

// responseWriterWrapper wraps http.ResponseWriter to capture status code
type responseWriterWrapper struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (w *responseWriterWrapper) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.statusCode = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

// Flush keeps server-sent event streams working through the wrapper
func (w *responseWriterWrapper) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// noopManager is a no-op implementation when metrics are disabled
type noopManager struct{}

func (n *noopManager) RecordHTTPRequest(method, route, status string, duration time.Duration) {}
func (n *noopManager) RecordS3Operation(operation string, duration time.Duration, err error) {}
func (n *noopManager) RecordUpload(success bool, bytes int64) {}
func (n *noopManager) RecordAuthAttempt(method string, success bool) {}
func (n *noopManager) UpdateSystemMetrics(stats *SystemStats) {}
func (n *noopManager) GetMetricsHandler() http.Handler { return http.NotFoundHandler() }
func (n *noopManager) IsHealthy() bool { return true }
func (n *noopManager) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler { return next }
}
func (n *noopManager) Start(ctx context.Context) error { return nil }
func (n *noopManager) Stop() error { return nil }
