package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed on /metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	conversionsTotal *prometheus.CounterVec

	enginesRunning      *prometheus.GaugeVec
	versionsProvisioned prometheus.Gauge
	registryGeneration  prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics set on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "convertd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		conversionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "convertd_conversions_total",
				Help: "Total number of conversions by engine version, target and outcome",
			},
			[]string{"version", "target", "outcome"},
		),

		enginesRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "convertd_engine_processes_running",
				Help: "Engine worker processes currently running per version",
			},
			[]string{"version"},
		),

		versionsProvisioned: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "convertd_engine_versions_provisioned",
				Help: "Number of engine versions in the current registry snapshot",
			},
		),

		registryGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "convertd_registry_generation",
				Help: "Generation of the current registry snapshot",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.conversionsTotal,
		m.enginesRunning,
		m.versionsProvisioned,
		m.registryGeneration,
	)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// ObserveConversion counts one conversion outcome.
func (m *Metrics) ObserveConversion(version, target, outcome string) {
	m.conversionsTotal.WithLabelValues(version, target, outcome).Inc()
}

// UpdateProcessStatus tracks engine worker processes. Each start is paired
// with a stop, so the gauge holds the number of in-flight processes.
func (m *Metrics) UpdateProcessStatus(version string, running bool) {
	if running {
		m.enginesRunning.WithLabelValues(version).Inc()
		return
	}
	m.enginesRunning.WithLabelValues(version).Dec()
}

// SetRegistryState publishes the size and generation of a registry snapshot.
func (m *Metrics) SetRegistryState(versions int, generation int64) {
	m.versionsProvisioned.Set(float64(versions))
	m.registryGeneration.Set(float64(generation))
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Instrument records request metrics under the given endpoint name.
func (m *Metrics) Instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
