package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "game"

// Outcome label values for agent runs.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
)

// Metrics owns a registry and the collectors the runtime reports to.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	agentRuns    *prometheus.CounterVec
	agentLatency *prometheus.HistogramVec

	gaugeOnce sync.Once
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		agentRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_runs_total",
			Help:      "Agent invocations by outcome.",
		}, []string{"agent", "outcome"}),
		agentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_run_duration_seconds",
			Help:      "Agent invocation duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"agent"}),
	}
	m.registry.MustRegister(m.httpRequests, m.httpErrors, m.httpLatency, m.agentRuns, m.agentLatency)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WithRuntimeCollectors adds the Go and process collectors.
func (m *Metrics) WithRuntimeCollectors() *Metrics {
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveHTTPRequest records one served request.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveAgentRun records one agent invocation. Its signature matches
// orchestrator.Observer.
func (m *Metrics) ObserveAgentRun(agent string, ok bool, elapsed time.Duration) {
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeFailed
	}
	m.agentRuns.WithLabelValues(agent, outcome).Inc()
	m.agentLatency.WithLabelValues(agent).Observe(elapsed.Seconds())
}

// TrackMemoryEntries exposes the value of count as the memory entries gauge.
// Only the first call registers the gauge.
func (m *Metrics) TrackMemoryEntries(count func() int) {
	if count == nil {
		return
	}
	m.gaugeOnce.Do(func() {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_entries",
			Help:      "Number of entries held by the memory store.",
		}, func() float64 { return float64(count()) }))
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Instrument wraps next so every request is counted under handler.
func (m *Metrics) Instrument(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.ObserveHTTPRequest(handler, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process wide Metrics, created with runtime collectors
// on first use.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New().WithRuntimeCollectors()
	})
	return defaultMetrics
}

// ObserveHTTPRequest records a request on the default Metrics.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	Default().ObserveHTTPRequest(handler, method, status, duration)
}

// Handler serves the default Metrics.
func Handler() http.Handler {
	return Default().Handler()
}
