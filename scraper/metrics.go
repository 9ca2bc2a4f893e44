package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the scraper.
type Metrics struct {
	Registry         *prometheus.Registry
	PagesTotal       *prometheus.CounterVec
	FetchDuration    prometheus.Histogram
	RecordsExtracted prometheus.Counter
	RecordsSkipped   *prometheus.CounterVec
	DuplicatesTotal  prometheus.Counter
	RetriesTotal     prometheus.Counter
	ErrorsTotal      *prometheus.CounterVec
	RateLimitWait    prometheus.Counter
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_pages_total",
			Help: "Pages handled by the walker by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	fetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Latency of individual fetch attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	extracted := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_records_extracted_total",
			Help: "Product records extracted from listing pages.",
		},
	)
	skipped := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_records_skipped_total",
			Help: "Catalog entries skipped during extraction by missing field.",
		},
		[]string{"field"},
	)
	duplicates := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_duplicates_total",
			Help: "Records dropped because their SKU was already collected.",
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Total number of fetch retries.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scraper_errors_total",
			Help: "Total number of page failures by kind.",
		},
		[]string{"error_type"},
	)
	rateLimitWait := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scraper_rate_limit_wait_seconds_total",
			Help: "Time spent waiting on the shared rate limiter.",
		},
	)

	registry.MustRegister(pages, fetchDuration, extracted, skipped, duplicates, retries, errorsTotal, rateLimitWait)

	return &Metrics{
		Registry:         registry,
		PagesTotal:       pages,
		FetchDuration:    fetchDuration,
		RecordsExtracted: extracted,
		RecordsSkipped:   skipped,
		DuplicatesTotal:  duplicates,
		RetriesTotal:     retries,
		ErrorsTotal:      errorsTotal,
		RateLimitWait:    rateLimitWait,
	}
}

// IncPage counts a listing or detail page by outcome.
func (m *Metrics) IncPage(kind, outcome string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDuration records a fetch attempt duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.FetchDuration.Observe(d.Seconds())
}

// AddExtracted increments the extracted records counter.
func (m *Metrics) AddExtracted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsExtracted.Add(float64(n))
}

// IncSkipped counts an entry skipped for a missing field.
func (m *Metrics) IncSkipped(field string) {
	if m == nil {
		return
	}
	m.RecordsSkipped.WithLabelValues(field).Inc()
}

// IncDuplicates increments the duplicates counter.
func (m *Metrics) IncDuplicates() {
	if m == nil {
		return
	}
	m.DuplicatesTotal.Inc()
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// AddRateLimitWait adds time one fetch spent waiting on the rate limiter.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.RateLimitWait.Add(d.Seconds())
}
