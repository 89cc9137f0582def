package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the unification engine.
//
// A nil *Metrics, or one created with metrics disabled, is a valid no-op
// collector.
type Metrics struct {
	config MetricsConfig

	// Execution metrics
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	connectionTests   *prometheus.CounterVec

	// Sandbox metrics
	sandboxRuns     *prometheus.CounterVec
	sandboxDuration *prometheus.HistogramVec

	// Credential metrics
	refreshes        *prometheus.CounterVec
	refreshesShared  prometheus.Counter
	credentialEvents *prometheus.CounterVec

	// Cache metrics
	cacheLookups  *prometheus.CounterVec
	cacheLoads    *prometheus.CounterVec
	cacheLoadTime prometheus.Histogram

	// Error metrics
	errorsByClass *prometheus.CounterVec

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

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of unified model executions",
			},
			[]string{"platform", "action", "status"},
		),
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Duration of unified model executions in seconds",
				Buckets:   buckets,
			},
			[]string{"platform", "action"},
		),
		connectionTests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_tests_total",
				Help:      "Total number of connection tests by resulting state",
			},
			[]string{"platform", "state"},
		),

		sandboxRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sandbox_runs_total",
				Help:      "Total number of sandboxed script runs",
			},
			[]string{"slot", "result"},
		),
		sandboxDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sandbox_run_duration_seconds",
				Help:      "Duration of sandboxed script runs in seconds",
				Buckets:   buckets,
			},
			[]string{"slot"},
		),

		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_refreshes_total",
				Help:      "Total number of credential refresh attempts",
			},
			[]string{"status"},
		),
		refreshesShared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_refreshes_shared_total",
				Help:      "Refresh calls that joined an in-flight refresh",
			},
		),
		credentialEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "credential_events_total",
				Help:      "Credential lifecycle transitions",
			},
			[]string{"event"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		cacheLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_loads_total",
				Help:      "Cache loader invocations by status",
			},
			[]string{"status"},
		),
		cacheLoadTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_load_duration_seconds",
				Help:      "Duration of cache loader invocations in seconds",
				Buckets:   buckets,
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(m.collectors()...)

	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.executions,
		m.executionDuration,
		m.connectionTests,
		m.sandboxRuns,
		m.sandboxDuration,
		m.refreshes,
		m.refreshesShared,
		m.credentialEvents,
		m.cacheLookups,
		m.cacheLoads,
		m.cacheLoadTime,
		m.errorsByClass,
	}
}

// Unregister removes every collector from the registry. The collector keeps
// accepting observations afterwards but nothing exposes them.
func (m *Metrics) Unregister() {
	if m == nil || m.registry == nil {
		return
	}
	for _, c := range m.collectors() {
		m.registry.Unregister(c)
	}
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Execution Metrics

// RecordExecution records a unified model execution.
func (m *Metrics) RecordExecution(platform, action, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.executions.WithLabelValues(platform, action, status).Inc()
	m.executionDuration.WithLabelValues(platform, action).Observe(duration.Seconds())
}

// RecordConnectionTest records the state a connection test ended in.
func (m *Metrics) RecordConnectionTest(platform, state string) {
	if !m.enabled() {
		return
	}
	m.connectionTests.WithLabelValues(platform, state).Inc()
}

// Sandbox Metrics

// RecordSandboxRun records a sandboxed script run. result is "ok" or the
// sandbox error kind.
func (m *Metrics) RecordSandboxRun(slot, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.sandboxRuns.WithLabelValues(slot, result).Inc()
	m.sandboxDuration.WithLabelValues(slot).Observe(duration.Seconds())
}

// Credential Metrics

// RecordRefresh records a refresh attempt that actually ran.
func (m *Metrics) RecordRefresh(status string) {
	if !m.enabled() {
		return
	}
	m.refreshes.WithLabelValues(status).Inc()
}

// RecordRefreshShared records a refresh call that was coalesced into an
// in-flight one.
func (m *Metrics) RecordRefreshShared() {
	if !m.enabled() {
		return
	}
	m.refreshesShared.Inc()
}

// RecordCredentialEvent records a credential lifecycle transition.
func (m *Metrics) RecordCredentialEvent(event string) {
	if !m.enabled() {
		return
	}
	m.credentialEvents.WithLabelValues(event).Inc()
}

// Cache Metrics

// RecordCacheLookup records a lookup against a cache tier.
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	if !m.enabled() {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(tier, result).Inc()
}

// RecordCacheLoad records a loader invocation.
func (m *Metrics) RecordCacheLoad(err error, duration time.Duration) {
	if !m.enabled() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.cacheLoads.WithLabelValues(status).Inc()
	m.cacheLoadTime.Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
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

// Snapshot returns the current value of every metric family, keyed by the
// fully qualified family name, and of every labelled series, keyed in
// exposition form: name{label="value",...} with labels sorted by name.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	if !m.enabled() {
		return nil, nil
	}
	families, err := m.registry.Gather()
	if err != nil {
		return nil, err
	}
	// Counters are summed across label values; histograms contribute their
	// sample count.
	out := make(map[string]float64, len(families))
	for _, f := range families {
		var total float64
		for _, metric := range f.GetMetric() {
			var v float64
			switch {
			case metric.GetCounter() != nil:
				v = metric.GetCounter().GetValue()
			case metric.GetHistogram() != nil:
				v = float64(metric.GetHistogram().GetSampleCount())
			}
			total += v
			if pairs := metric.GetLabel(); len(pairs) > 0 {
				labels := make([]string, len(pairs))
				for i, p := range pairs {
					labels[i] = fmt.Sprintf("%s=%q", p.GetName(), p.GetValue())
				}
				out[f.GetName()+"{"+strings.Join(labels, ",")+"}"] = v
			}
		}
		out[f.GetName()] = total
	}
	return out, nil
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
func (m *Metrics) StartMetricsServer(ctx context.Context, logger *Logger) error {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server error")
		}
	}()

	return nil
}
