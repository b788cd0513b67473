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

// Metrics stores Prometheus collectors used by the api, runner and worker processes.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec
	batchesTotal            *prometheus.CounterVec
	promptsProcessedTotal   *prometheus.CounterVec
	citationsExtractedTotal prometheus.Counter
	stabilizationDuration   *prometheus.HistogramVec
	runsInflight            prometheus.Gauge
	cascadeDeletionsTotal   *prometheus.CounterVec
	triggersPublishedTotal  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "citation_pipeline",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "citation_pipeline",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "citation_pipeline",
				Name:      "batches_total",
				Help:      "Worker batches finished, by outcome.",
			},
			[]string{"outcome"},
		),
		promptsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "citation_pipeline",
				Name:      "prompts_processed_total",
				Help:      "Prompts handled by workers, by outcome (stored, partial, skipped).",
			},
			[]string{"outcome"},
		),
		citationsExtractedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "citation_pipeline",
				Name:      "citations_extracted_total",
				Help:      "Citations extracted from rendered responses.",
			},
		),
		stabilizationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "citation_pipeline",
				Name:      "stabilization_duration_seconds",
				Help:      "Time from prompt submission until the response stopped changing.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 9),
			},
			[]string{"partial"},
		),
		runsInflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "citation_pipeline",
				Name:      "runs_inflight",
				Help:      "Orchestrator runs currently in progress.",
			},
		),
		cascadeDeletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "citation_pipeline",
				Name:      "cascade_deletions_total",
				Help:      "Account deletion cascades, by outcome.",
			},
			[]string{"outcome"},
		),
		triggersPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "citation_pipeline",
				Name:      "triggers_published_total",
				Help:      "Trigger messages published by the webhook dispatcher, by kind.",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.batchesTotal,
		m.promptsProcessedTotal,
		m.citationsExtractedTotal,
		m.stabilizationDuration,
		m.runsInflight,
		m.cascadeDeletionsTotal,
		m.triggersPublishedTotal,
	)

	return m
}

// Registry exposes the collectors for scraping and tests.
func (m *Metrics) Registry() prometheus.Gatherer {
	if m == nil || m.registry == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
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

func (m *Metrics) IncBatch(outcome string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncPromptProcessed(outcome string) {
	if m == nil {
		return
	}
	m.promptsProcessedTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) AddCitations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.citationsExtractedTotal.Add(float64(n))
}

func (m *Metrics) ObserveStabilization(duration time.Duration, partial bool) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.stabilizationDuration.WithLabelValues(strconv.FormatBool(partial)).Observe(seconds)
}

func (m *Metrics) IncRunsInFlight() {
	if m == nil {
		return
	}
	m.runsInflight.Inc()
}

func (m *Metrics) DecRunsInFlight() {
	if m == nil {
		return
	}
	m.runsInflight.Dec()
}

func (m *Metrics) IncCascade(outcome string) {
	if m == nil {
		return
	}
	m.cascadeDeletionsTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (m *Metrics) IncTriggerPublished(kind string) {
	if m == nil {
		return
	}
	m.triggersPublishedTotal.WithLabelValues(normalizeLabel(kind)).Inc()
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

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
