package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/waterfall"
)

var _ waterfall.Observer = Observer{}

func TestInit_Idempotent(t *testing.T) {
	Init()
	Init()
	require.NotNil(t, tierOutcomesTotal)
	require.NotNil(t, providerCallsTotal)
	require.NotNil(t, httpRequestsTotal)
}

func TestObserver(t *testing.T) {
	Init()
	var o Observer

	o.TierSettled("premium", "contact-api", model.OutcomeSuccess, 0.3, 200*time.Millisecond)
	o.TierSettled("premium", "contact-api", model.OutcomeSkippedBudget, 0, 0)
	o.RecordFinished(model.StateBudgetHalted)

	assert.InDelta(t, 1, testutil.ToFloat64(tierOutcomesTotal.WithLabelValues("premium", "contact-api", string(model.OutcomeSuccess))), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(tierOutcomesTotal.WithLabelValues("premium", "contact-api", string(model.OutcomeSkippedBudget))), 1e-9)
	assert.InDelta(t, 0.3, testutil.ToFloat64(tierSpendUSDTotal.WithLabelValues("premium", "contact-api")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(recordsFinishedTotal.WithLabelValues(string(model.StateBudgetHalted))), 1e-9)
}

func TestObserveProviderCall(t *testing.T) {
	Init()
	ObserveProviderCall("search-api", "", 10*time.Millisecond)
	ObserveProviderCall("search-api", resilience.KindRateLimited, time.Millisecond)

	assert.InDelta(t, 1, testutil.ToFloat64(providerCallsTotal.WithLabelValues("search-api", "ok")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(providerCallsTotal.WithLabelValues("search-api", "rate_limited")), 1e-9)
}

func TestObserveRequeue(t *testing.T) {
	Init()
	before := testutil.ToFloat64(requeuesTotal.WithLabelValues("parked"))
	ObserveRequeue("parked")
	assert.InDelta(t, before+1, testutil.ToFloat64(requeuesTotal.WithLabelValues("parked")), 1e-9)
}

func TestObserveBreaker(t *testing.T) {
	Init()
	ObserveBreaker("contact-api", resilience.CircuitClosed, resilience.CircuitOpen)
	assert.InDelta(t, 1, testutil.ToFloat64(providerBreakerState.WithLabelValues("contact-api")), 1e-9)
	ObserveBreaker("contact-api", resilience.CircuitOpen, resilience.CircuitHalfOpen)
	assert.InDelta(t, 2, testutil.ToFloat64(providerBreakerState.WithLabelValues("contact-api")), 1e-9)
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/records/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Handle("/metrics", Handler())

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/records/r1")
	require.NoError(t, err)
	resp.Body.Close() //nolint:errcheck

	assert.InDelta(t, 1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 1e-9)
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	body := new(strings.Builder)
	_, err = io.Copy(body, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "waterfall_tier_outcomes_total")
}
