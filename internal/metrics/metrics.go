// Package metrics exposes Prometheus collectors for the scrape engine.
package metrics

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapePagesTotal      *prometheus.CounterVec
	scrapeProductsTotal   *prometheus.CounterVec
	scrapeJobsTotal       *prometheus.CounterVec
	scrapeActiveTasks     prometheus.Gauge
	scrapeItemSkipsTotal  *prometheus.CounterVec
	scrapeFetchSeconds    *prometheus.HistogramVec
	scrapeAdaptiveDelayMs *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call repeatedly.
func Init() {
	once.Do(func() {
		scrapePagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Total pages fetched, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scrapeProductsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_products_total",
				Help: "Total normalized product records, labeled by site.",
			},
			[]string{"site"},
		)

		scrapeJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total jobs reaching a terminal status, labeled by status.",
			},
			[]string{"status"},
		)

		scrapeActiveTasks = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvester_active_extraction_tasks",
				Help: "Extraction tasks currently in flight across all jobs.",
			},
		)

		scrapeItemSkipsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_item_skips_total",
				Help: "Work items skipped after retry exhaustion or selector misses.",
			},
			[]string{"site", "reason"},
		)

		scrapeFetchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by path.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"path"},
		)

		scrapeAdaptiveDelayMs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_adaptive_delay_ms",
				Help:    "Histogram of the adaptive inter-request delay after each batch.",
				Buckets: []float64{50, 100, 200, 400, 800, 1600, 3200, 5000},
			},
			[]string{"site"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname label from a URL, or
// "unknown" if the URL is invalid.
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

// Handler returns an http.Handler exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage records one page fetch outcome ("ok", "skip", "error").
func ObservePage(site, outcome string) {
	scrapePagesTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveProducts adds count normalized records for site.
func ObserveProducts(site string, count int) {
	if count > 0 {
		scrapeProductsTotal.WithLabelValues(SanitizeSite(site)).Add(float64(count))
	}
}

// ObserveJob increments the terminal-status job counter.
func ObserveJob(status string) {
	scrapeJobsTotal.WithLabelValues(status).Inc()
}

// IncActiveTasks / DecActiveTasks track in-flight extraction tasks.
func IncActiveTasks() { scrapeActiveTasks.Inc() }

// DecActiveTasks decrements the in-flight gauge.
func DecActiveTasks() { scrapeActiveTasks.Dec() }

// ObserveSkip records a skipped work item with its reason.
func ObserveSkip(site, reason string) {
	scrapeItemSkipsTotal.WithLabelValues(SanitizeSite(site), reason).Inc()
}

// ObserveFetch records a fetch latency for the given path ("http" or "browser").
func ObserveFetch(path string, duration time.Duration) {
	scrapeFetchSeconds.WithLabelValues(path).Observe(duration.Seconds())
}

// ObserveAdaptiveDelay records the current inter-request delay for site.
func ObserveAdaptiveDelay(site string, delay time.Duration) {
	scrapeAdaptiveDelayMs.WithLabelValues(SanitizeSite(site)).Observe(float64(delay.Milliseconds()))
}
