// Package metrics exposes Prometheus collectors for the scan service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scannerPagesTotal            *prometheus.CounterVec
	scannerBytesTotal            *prometheus.CounterVec
	scannerPagesChangedTotal     *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	scannerScansTotal            *prometheus.CounterVec
	scannerRenderModeTotal       *prometheus.CounterVec
	scannerPhaseDurationSeconds  *prometheus.HistogramVec
	scannerStorageErrorsTotal    *prometheus.CounterVec
	scannerActiveWorkers         prometheus.Gauge
	scannerRateLimitDelaySeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scannerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_pages_total",
				Help: "Total number of pages fetched, labeled by site and fetch path.",
			},
			[]string{"site", "via"},
		)

		scannerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_bytes_total",
				Help: "Total number of HTML bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		scannerPagesChangedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_pages_changed_total",
				Help: "Pages persisted, labeled by whether their text changed.",
			},
			[]string{"changed"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 20},
			},
			[]string{"method", "route"},
		)

		scannerScansTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_scans_total",
				Help: "Total number of scans, labeled by final snapshot status.",
			},
			[]string{"status"},
		)

		scannerRenderModeTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_render_mode_total",
				Help: "Render mode decisions, labeled by mode.",
			},
			[]string{"mode"},
		)

		scannerPhaseDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanner_phase_duration_seconds",
				Help:    "Duration of scan phases.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"phase"},
		)

		scannerStorageErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scanner_storage_errors_total",
				Help: "Storage failures, labeled by error class.",
			},
			[]string{"class"},
		)

		scannerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scanner_active_workers",
				Help: "Number of workers currently running a background phase.",
			},
		)

		scannerRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scanner_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch counts a fetched page by site and fetch path.
func ObserveFetch(site, via string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	scannerPagesTotal.WithLabelValues(sanitizedSite, via).Inc()
	if bytesFetched > 0 {
		scannerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObservePage counts a persisted page.
func ObservePage(changed bool) {
	Init()
	scannerPagesChangedTotal.WithLabelValues(strconv.FormatBool(changed)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveScan increments the scan counter for the given final status.
func ObserveScan(status string) {
	Init()
	scannerScansTotal.WithLabelValues(status).Inc()
}

// ObserveRenderMode counts a render mode decision.
func ObserveRenderMode(mode string) {
	Init()
	scannerRenderModeTotal.WithLabelValues(mode).Inc()
}

// ObservePhase records how long a scan phase took.
func ObservePhase(phase string, duration time.Duration) {
	Init()
	scannerPhaseDurationSeconds.WithLabelValues(phase).Observe(duration.Seconds())
}

// ObserveStorageError counts a classified storage failure.
func ObserveStorageError(class string) {
	Init()
	scannerStorageErrorsTotal.WithLabelValues(class).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	scannerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	scannerActiveWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scannerRateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
