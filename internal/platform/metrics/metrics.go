package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so several instances can coexist in
// tests without duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	folds           *prometheus.CounterVec
	foldSkips       *prometheus.CounterVec
	versionRetries  prometheus.Counter
	decisions       *prometheus.CounterVec
}

func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrkpi",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status.",
		}, []string{"method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hrkpi",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		folds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrkpi",
			Subsystem: "cascade",
			Name:      "folds_total",
			Help:      "Aggregate folds applied, by level and evaluation code.",
		}, []string{"level", "code"}),
		foldSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrkpi",
			Subsystem: "cascade",
			Name:      "skips_total",
			Help:      "Cascade levels skipped because no aggregate tracks the KPI.",
		}, []string{"level"}),
		versionRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hrkpi",
			Subsystem: "cascade",
			Name:      "version_retries_total",
			Help:      "Aggregate writes retried after an optimistic version conflict.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hrkpi",
			Subsystem: "workflow",
			Name:      "decisions_total",
			Help:      "Evolution workflow transitions by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	reg.MustRegister(
		c.requests,
		c.requestDuration,
		c.folds,
		c.foldSkips,
		c.versionRetries,
		c.decisions,
		prometheus.NewGoCollector(),
	)
	return c
}

func (c *Collector) Record(method string, status int, duration time.Duration) {
	c.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (c *Collector) FoldApplied(level, code string) {
	c.folds.WithLabelValues(level, code).Inc()
}

func (c *Collector) FoldSkipped(level string) {
	c.foldSkips.WithLabelValues(level).Inc()
}

func (c *Collector) VersionRetry() {
	c.versionRetries.Inc()
}

func (c *Collector) Decision(action, outcome string) {
	c.decisions.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
