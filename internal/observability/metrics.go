package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the API and batch flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal      *prometheus.CounterVec
	httpRequestDuration    *prometheus.HistogramVec
	hospitalsCreatedTotal  prometheus.Counter
	hospitalsFailedTotal   *prometheus.CounterVec
	hospitalCreateDuration prometheus.Histogram
	chunkInflight          prometheus.Gauge
	retryPassesTotal       prometheus.Counter
	batchesActivatedTotal  prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bulk_intake",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "bulk_intake",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		hospitalsCreatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bulk_intake",
				Name:      "hospitals_created_total",
				Help:      "Total number of hospitals created upstream.",
			},
		),
		hospitalsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "bulk_intake",
				Name:      "hospitals_failed_total",
				Help:      "Total number of row submissions that failed, by reason.",
			},
			[]string{"reason"},
		),
		hospitalCreateDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "bulk_intake",
				Name:      "hospital_create_duration_seconds",
				Help:      "Upstream create call duration in seconds.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),
		chunkInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "bulk_intake",
				Name:      "chunk_inflight",
				Help:      "Current number of in-flight upstream create calls.",
			},
		),
		retryPassesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bulk_intake",
				Name:      "retry_passes_total",
				Help:      "Total number of retry passes executed.",
			},
		),
		batchesActivatedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "bulk_intake",
				Name:      "batches_activated_total",
				Help:      "Total number of batches activated upstream.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.hospitalsCreatedTotal,
		m.hospitalsFailedTotal,
		m.hospitalCreateDuration,
		m.chunkInflight,
		m.retryPassesTotal,
		m.batchesActivatedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncHospitalCreated() {
	if m == nil {
		return
	}
	m.hospitalsCreatedTotal.Inc()
}

func (m *Metrics) IncHospitalFailed(reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.hospitalsFailedTotal.WithLabelValues(reasonLabel).Inc()
}

func (m *Metrics) ObserveHospitalCreateDuration(duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.hospitalCreateDuration.Observe(seconds)
}

func (m *Metrics) IncChunkInflight() {
	if m == nil {
		return
	}
	m.chunkInflight.Inc()
}

func (m *Metrics) DecChunkInflight() {
	if m == nil {
		return
	}
	m.chunkInflight.Dec()
}

func (m *Metrics) IncRetryPass() {
	if m == nil {
		return
	}
	m.retryPassesTotal.Inc()
}

func (m *Metrics) IncBatchActivated() {
	if m == nil {
		return
	}
	m.batchesActivatedTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}
