package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Tracking metrics
	ClicksIngested *prometheus.CounterVec
	ProcessorQueue prometheus.Gauge

	// Conversion metrics
	ConversionsRecorded *prometheus.CounterVec
	CommissionTotal     *prometheus.CounterVec
	CapFallbacks        *prometheus.CounterVec
	StatusTransitions   *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates a Metrics instance registered on reg. Passing nil uses the
// default Prometheus registry.
func New(reg *prometheus.Registry) *Metrics {
	var registerer prometheus.Registerer = prometheus.DefaultRegisterer
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg != nil {
		registerer, gatherer = reg, reg
	}
	factory := promauto.With(registerer)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ClicksIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_clicks_ingested_total",
				Help: "Referral clicks persisted, by status and duplicate flag",
			},
			[]string{"status", "duplicate"},
		),
		ProcessorQueue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "referral_click_queue_length",
			Help: "Clicks waiting in the asynchronous ingest queue",
		}),

		ConversionsRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_conversions_recorded_total",
				Help: "Conversion recording outcomes",
			},
			[]string{"outcome"},
		),
		CommissionTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_commission_amount_total",
				Help: "Sum of resolved commission amounts, by currency",
			},
			[]string{"currency"},
		),
		CapFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_policy_cap_fallbacks_total",
				Help: "Policies dropped after losing a usage cap race",
			},
			[]string{"scope"},
		),
		StatusTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "referral_conversion_transitions_total",
				Help: "Conversion status transitions",
			},
			[]string{"status"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		gatherer: gatherer,
	}
}

// Handler exposes the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordClick counts a persisted click.
func (m *Metrics) RecordClick(status string, duplicate bool) {
	if m == nil {
		return
	}
	m.ClicksIngested.WithLabelValues(status, strconv.FormatBool(duplicate)).Inc()
}

// RecordConversion counts a recording outcome and, when positive, the commission.
func (m *Metrics) RecordConversion(outcome, currency string, commission float64) {
	if m == nil {
		return
	}
	m.ConversionsRecorded.WithLabelValues(outcome).Inc()
	if commission > 0 {
		m.CommissionTotal.WithLabelValues(currency).Add(commission)
	}
}

// RecordCapFallback counts a policy dropped after a cap race.
func (m *Metrics) RecordCapFallback(perPartner bool) {
	if m == nil {
		return
	}
	scope := "total"
	if perPartner {
		scope = "per_partner"
	}
	m.CapFallbacks.WithLabelValues(scope).Inc()
}

// RecordTransition counts a conversion status change.
func (m *Metrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	m.StatusTransitions.WithLabelValues(status).Inc()
}

// SetQueueLength reports the ingest queue length.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.ProcessorQueue.Set(float64(n))
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
