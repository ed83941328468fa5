package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"github.com/warp/dues-engine/dues"
)

// Metrics holds all Prometheus metrics for the dues server.
type Metrics struct {
	// Registry owns these metrics; /metrics serves it.
	Registry *prometheus.Registry

	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec

	allocations         *prometheus.CounterVec
	allocatedAmount     *prometheus.CounterVec
	allocatedPeriods    prometheus.Histogram
	credentialSyncs     *prometheus.CounterVec
	cascadeFailures     prometheus.Counter
	invariantViolations prometheus.Counter
	schedulerRuns       *prometheus.CounterVec
}

var _ dues.Recorder = (*Metrics)(nil)

// NewMetrics creates a dedicated registry so tests can build it repeatedly.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dues_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_http_requests_total",
				Help: "Total HTTP requests by route and status code.",
			},
			[]string{"method", "route", "status"},
		),
		allocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_allocations_total",
				Help: "Payments allocated, by category.",
			},
			[]string{"category"},
		),
		allocatedAmount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_allocated_amount_total",
				Help: "Money allocated, by category.",
			},
			[]string{"category"},
		),
		allocatedPeriods: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dues_allocation_periods",
				Help:    "Months touched by one allocation.",
				Buckets: []float64{1, 2, 3, 6, 12, 24, 60},
			},
		),
		credentialSyncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_credential_syncs_total",
				Help: "Credential syncs that changed tags, by resulting state.",
			},
			[]string{"state"},
		),
		cascadeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dues_cascade_failures_total",
				Help: "Cascades that failed after the primary write committed.",
			},
		),
		invariantViolations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dues_invariant_violations_total",
				Help: "Ledger verifications that found inconsistent derived state.",
			},
		),
		schedulerRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dues_scheduler_runs_total",
				Help: "Scheduled credential sync runs, by result.",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// =============================================================================
// dues.Recorder
// =============================================================================

func (m *Metrics) ObserveAllocation(category dues.Category, amount decimal.Decimal, periods int) {
	m.allocations.WithLabelValues(string(category)).Inc()
	m.allocatedAmount.WithLabelValues(string(category)).Add(amount.InexactFloat64())
	m.allocatedPeriods.Observe(float64(periods))
}

func (m *Metrics) ObserveCredentialSync(active bool, credentials int) {
	state := "inactive"
	if active {
		state = "active"
	}
	m.credentialSyncs.WithLabelValues(state).Add(float64(credentials))
}

func (m *Metrics) ObserveCascadeFailure()     { m.cascadeFailures.Inc() }
func (m *Metrics) ObserveInvariantViolation() { m.invariantViolations.Inc() }

// ObserveSchedulerRun counts a scheduler tick.
func (m *Metrics) ObserveSchedulerRun(err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	m.schedulerRuns.WithLabelValues(result).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// Middleware records request duration and status per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	})
}
