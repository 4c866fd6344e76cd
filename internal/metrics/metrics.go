// Package metrics exposes Prometheus collectors for the waterfall engine.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

var (
	tierOutcomesTotal          *prometheus.CounterVec
	tierSpendUSDTotal          *prometheus.CounterVec
	tierDurationSeconds        *prometheus.HistogramVec
	recordsFinishedTotal       *prometheus.CounterVec
	providerCallsTotal         *prometheus.CounterVec
	providerCallSeconds        *prometheus.HistogramVec
	requeuesTotal              *prometheus.CounterVec
	providerBreakerState       *prometheus.GaugeVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		tierOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterfall_tier_outcomes_total",
				Help: "Settled tier outcomes, labeled by tier, provider and outcome.",
			},
			[]string{"tier", "provider", "outcome"},
		)

		tierSpendUSDTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterfall_tier_spend_usd_total",
				Help: "Committed spend in USD, labeled by tier and provider.",
			},
			[]string{"tier", "provider"},
		)

		tierDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "waterfall_tier_duration_seconds",
				Help:    "Wall time from tier start to settlement, including retries.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tier"},
		)

		recordsFinishedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterfall_records_finished_total",
				Help: "Records that reached a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		providerCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterfall_provider_calls_total",
				Help: "Provider calls, labeled by provider and result kind.",
			},
			[]string{"provider", "result"},
		)

		providerCallSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "waterfall_provider_call_seconds",
				Help:    "Histogram of single provider call latencies.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"provider"},
		)

		requeuesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waterfall_requeues_total",
				Help: "Records requeued after rate limiting, labeled by where they went.",
			},
			[]string{"destination"},
		)

		providerBreakerState = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "waterfall_provider_breaker_state",
				Help: "Provider circuit breaker state: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"provider"},
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
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Observer implements waterfall.Observer. Call Init before using it.
type Observer struct{}

// TierSettled records one settled tier.
func (Observer) TierSettled(tier, providerName string, outcome model.Outcome, costUSD float64, took time.Duration) {
	tierOutcomesTotal.WithLabelValues(tier, providerName, string(outcome)).Inc()
	if costUSD > 0 {
		tierSpendUSDTotal.WithLabelValues(tier, providerName).Add(costUSD)
	}
	tierDurationSeconds.WithLabelValues(tier).Observe(took.Seconds())
}

// RecordFinished records a terminal record state.
func (Observer) RecordFinished(state model.RecordState) {
	recordsFinishedTotal.WithLabelValues(string(state)).Inc()
}

// ObserveProviderCall matches pool.Options.OnCall. Successful calls carry an
// empty kind and are labeled "ok".
func ObserveProviderCall(providerName string, kind resilience.Kind, took time.Duration) {
	result := string(kind)
	if result == "" {
		result = "ok"
	}
	providerCallsTotal.WithLabelValues(providerName, result).Inc()
	providerCallSeconds.WithLabelValues(providerName).Observe(took.Seconds())
}

// ObserveRequeue counts a requeue. destination is "inline", "parked" or
// "abandoned".
func ObserveRequeue(destination string) {
	requeuesTotal.WithLabelValues(destination).Inc()
}

// ObserveBreaker matches resilience.CircuitBreakerConfig.OnStateChange.
func ObserveBreaker(providerName string, _, to resilience.CircuitState) {
	providerBreakerState.WithLabelValues(providerName).Set(float64(to))
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			routePattern = rc.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		httpRequestDurationSeconds.WithLabelValues(r.Method, routePattern).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
