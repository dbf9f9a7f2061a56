// Package metrics exposes Prometheus collectors for the gazette sync service.
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
	fetchRequestsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	artifactsTotal             *prometheus.CounterVec
	daysTotal                  *prometheus.CounterVec
	sourceRunsTotal            *prometheus.CounterVec
	sourceDurationSeconds      *prometheus.HistogramVec
	captchaAttemptsTotal       *prometheus.CounterVec
	activeSources              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_fetch_requests_total",
				Help: "Total number of upstream HTTP attempts, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by host.",
			},
			[]string{"host"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_fetch_retries_total",
				Help: "Total number of retried upstream attempts, labeled by host.",
			},
			[]string{"host"},
		)

		artifactsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_artifacts_total",
				Help: "Artifacts processed, labeled by source and result (saved, unchanged, skipped).",
			},
			[]string{"source", "result"},
		)

		daysTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_days_total",
				Help: "Calendar days processed, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		sourceRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_source_runs_total",
				Help: "Source sync invocations, labeled by source and status.",
			},
			[]string{"source", "status"},
		)

		sourceDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gazette_source_duration_seconds",
				Help:    "Histogram of per-source sync durations.",
				Buckets: []float64{1, 10, 60, 300, 900, 3600, 14400},
			},
			[]string{"source"},
		)

		captchaAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gazette_captcha_attempts_total",
				Help: "Captcha bootstrap attempts, labeled by result.",
			},
			[]string{"result"},
		)

		activeSources = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gazette_active_sources",
				Help: "Number of sources currently syncing.",
			},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gazette_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
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

// ObserveFetch records one upstream attempt.
func ObserveFetch(rawURL, outcome string, bytesFetched int) {
	Init()
	host := SanitizeHost(rawURL)
	fetchRequestsTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveRetry counts a retried attempt.
func ObserveRetry(rawURL string) {
	Init()
	fetchRetriesTotal.WithLabelValues(SanitizeHost(rawURL)).Inc()
}

// ObserveArtifact counts a processed artifact.
func ObserveArtifact(source, result string) {
	Init()
	artifactsTotal.WithLabelValues(source, result).Inc()
}

// ObserveDay counts a processed calendar day.
func ObserveDay(source, status string) {
	Init()
	daysTotal.WithLabelValues(source, status).Inc()
}

// ObserveSource records a finished source sync.
func ObserveSource(source, status string, duration time.Duration) {
	Init()
	sourceRunsTotal.WithLabelValues(source, status).Inc()
	sourceDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveCaptcha counts a captcha bootstrap attempt.
func ObserveCaptcha(result string) {
	Init()
	captchaAttemptsTotal.WithLabelValues(result).Inc()
}

// IncActiveSources increments the active sources gauge.
func IncActiveSources() {
	Init()
	activeSources.Inc()
}

// DecActiveSources decrements the active sources gauge.
func DecActiveSources() {
	Init()
	activeSources.Dec()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}
