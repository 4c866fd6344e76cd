package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-waterfall/internal/resilience"
)

func TestHTTPAdapter_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "r1", req.RecordID)
		assert.Equal(t, []string{"phone"}, req.Want)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(Result{ //nolint:errcheck
			Fields:     []FieldResult{{Field: "phone", Value: "+1 555 0100", Confidence: 0.8}},
			CostUSD:    0.05,
			Confidence: 0.7,
		})
	}))
	defer ts.Close()

	a := NewHTTPAdapter(HTTPOptions{Name: "phones", URL: ts.URL, APIKey: "secret"})
	assert.Equal(t, "phones", a.Name())

	res, err := a.Enrich(context.Background(), Request{RecordID: "r1", TierID: "t1", Want: []string{"phone"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.05, res.CostUSD, 1e-9)
	require.Len(t, res.Fields, 1)
	assert.Equal(t, "+1 555 0100", res.Fields[0].Value)
}

func TestHTTPAdapter_StatusKinds(t *testing.T) {
	tests := []struct {
		status int
		want   resilience.Kind
	}{
		{http.StatusTooManyRequests, resilience.KindRateLimited},
		{http.StatusNotFound, resilience.KindNotFound},
		{http.StatusBadGateway, resilience.KindTransient},
		{http.StatusUnprocessableEntity, resilience.KindInvalidInput},
		{http.StatusUnauthorized, resilience.KindFatal},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer ts.Close()

			a := NewHTTPAdapter(HTTPOptions{Name: "p", URL: ts.URL})
			_, err := a.Enrich(context.Background(), Request{RecordID: "r1"})
			require.Error(t, err)
			assert.Equal(t, tt.want, resilience.KindOf(err))
		})
	}
}

func TestHTTPAdapter_EmptyIsNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"fields":[],"cost_usd":0}`))
	}))
	defer ts.Close()

	a := NewHTTPAdapter(HTTPOptions{Name: "p", URL: ts.URL})
	_, err := a.Enrich(context.Background(), Request{RecordID: "r1"})
	assert.Equal(t, resilience.KindNotFound, resilience.KindOf(err))
}

func TestHTTPAdapter_BadBodyIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer ts.Close()

	a := NewHTTPAdapter(HTTPOptions{Name: "p", URL: ts.URL})
	_, err := a.Enrich(context.Background(), Request{RecordID: "r1"})
	assert.Equal(t, resilience.KindTransient, resilience.KindOf(err))
}
