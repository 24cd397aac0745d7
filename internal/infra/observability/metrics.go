package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the concierge.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	verifications   *prometheus.CounterVec
	upstreamErrors  *prometheus.CounterVec
	pagesFetched    *prometheus.CounterVec
	aggregations    *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	reports         *prometheus.CounterVec
	sessions        *prometheus.CounterVec
}

// Verification outcome labels.
const (
	OutcomeVerified         = "verified"
	OutcomeVerifiedHandle   = "verified_handle_only"
	OutcomeNotFound         = "not_found"
	OutcomeMismatch         = "secret_mismatch"
	OutcomeProofUnavailable = "proof_unavailable"
	OutcomeError            = "error"
)

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "concierge_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		verifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_verifications_total",
				Help: "Ownership verification attempts by outcome.",
			},
			[]string{"outcome"},
		),
		upstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_upstream_errors_total",
				Help: "Total errors from the card service by endpoint.",
			},
			[]string{"endpoint"},
		),
		pagesFetched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_payment_pages_fetched_total",
				Help: "Payment pages fetched by aggregation mode.",
			},
			[]string{"mode"},
		),
		aggregations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_aggregations_total",
				Help: "Aggregation runs by result.",
			},
			[]string{"result"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		reports: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_reports_total",
				Help: "Rendered reports by delivery mode.",
			},
			[]string{"delivery"},
		),
		sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "concierge_sessions_total",
				Help: "Session lifecycle events.",
			},
			[]string{"event"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrVerification increments the verification counter for an outcome.
func (m *Metrics) IncrVerification(outcome string) {
	m.verifications.WithLabelValues(outcome).Inc()
}

// IncrUpstreamError increments the upstream error counter.
func (m *Metrics) IncrUpstreamError(endpoint string) {
	m.upstreamErrors.WithLabelValues(endpoint).Inc()
}

// IncrPagesFetched counts fetched payment pages. Mode is "full" for
// statement runs and "preview" for bounded listings.
func (m *Metrics) IncrPagesFetched(mode string, pages int) {
	m.pagesFetched.WithLabelValues(mode).Add(float64(pages))
}

// IncrAggregation counts one aggregation run: "complete", "partial" or
// "truncated".
func (m *Metrics) IncrAggregation(result string) {
	m.aggregations.WithLabelValues(result).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// IncrReport counts a rendered report by delivery mode ("inline" or "document").
func (m *Metrics) IncrReport(delivery string) {
	m.reports.WithLabelValues(delivery).Inc()
}

// IncrSession counts a session lifecycle event ("created", "destroyed", "expired").
func (m *Metrics) IncrSession(event string) {
	m.sessions.WithLabelValues(event).Inc()
}

// UsageSnapshot is the payload of GET /v1/metrics/usage.
type UsageSnapshot struct {
	Verifications        int64   `json:"verifications"`
	VerifiedStructured   int64   `json:"verified_structured"`
	VerifiedHandleOnly   int64   `json:"verified_handle_only"`
	VerificationFailRate float64 `json:"verification_fail_rate"`
	PagesFetched         int64   `json:"pages_fetched"`
	UpstreamErrors       int64   `json:"upstream_errors"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	ReportsInline        int64   `json:"reports_inline"`
	ReportsDocument      int64   `json:"reports_document"`
	Period               string  `json:"period"`
}

// GetUsageSnapshot gathers counter values into an operator-friendly
// summary. The handle-only figure exists so weakly-verified logins are
// never invisible.
func (m *Metrics) GetUsageSnapshot() *UsageSnapshot {
	verified := getCounterValue(m.verifications, OutcomeVerified)
	handleOnly := getCounterValue(m.verifications, OutcomeVerifiedHandle)
	failed := getCounterValue(m.verifications, OutcomeNotFound) +
		getCounterValue(m.verifications, OutcomeMismatch) +
		getCounterValue(m.verifications, OutcomeProofUnavailable) +
		getCounterValue(m.verifications, OutcomeError)
	total := verified + handleOnly + failed

	failRate := float64(0)
	if total > 0 {
		failRate = failed / total
	}

	cacheHits := getCounterValue(m.cacheHits, "cards")
	cacheMisses := getCounterValue(m.cacheMisses, "cards")
	cacheHitRate := float64(0)
	if cacheHits+cacheMisses > 0 {
		cacheHitRate = cacheHits / (cacheHits + cacheMisses)
	}

	pages := getCounterValue(m.pagesFetched, "full") + getCounterValue(m.pagesFetched, "preview")
	upstreamErrs := getCounterValue(m.upstreamErrors, "cards") +
		getCounterValue(m.upstreamErrors, "payments") +
		getCounterValue(m.upstreamErrors, "embed")

	return &UsageSnapshot{
		Verifications:        int64(total),
		VerifiedStructured:   int64(verified),
		VerifiedHandleOnly:   int64(handleOnly),
		VerificationFailRate: failRate,
		PagesFetched:         int64(pages),
		UpstreamErrors:       int64(upstreamErrs),
		CacheHitRate:         cacheHitRate,
		ReportsInline:        int64(getCounterValue(m.reports, "inline")),
		ReportsDocument:      int64(getCounterValue(m.reports, "document")),
		Period:               "all_time",
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
