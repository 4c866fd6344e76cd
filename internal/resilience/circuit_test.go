package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errProviderDown = NewProviderError("acme", KindTransient, errors.New("503"))

func call(cb *CircuitBreaker, err error) error {
	_, got := ExecuteVal(context.Background(), cb, func(context.Context) (struct{}, error) { return struct{}{}, err })
	return got
}

func trip(cb *CircuitBreaker, n int, err error) {
	for i := 0; i < n; i++ {
		_ = call(cb, err)
	}
}

func clocked(cfg CircuitBreakerConfig) (*CircuitBreaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("acme", cfg)
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("acme", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	trip(cb, 2, errProviderDown)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 2, cb.Failures())

	trip(cb, 1, errProviderDown)
	assert.Equal(t, CircuitOpen, cb.State())

	_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
		t.Error("called through an open breaker")
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestCircuitBreaker_RequestScopedFailuresDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("acme", CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})
	trip(cb, 5, NewProviderError("acme", KindNotFound, nil))
	trip(cb, 5, NewProviderError("acme", KindInvalidInput, nil))
	trip(cb, 5, NewProviderError("acme", KindRateLimited, nil))
	trip(cb, 5, context.Canceled)
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Zero(t, cb.Failures())
}

func TestCircuitBreaker_SuccessResetsRun(t *testing.T) {
	cb := NewCircuitBreaker("acme", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	trip(cb, 2, errProviderDown)
	trip(cb, 1, nil)
	trip(cb, 2, errProviderDown)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_TrialRecovers(t *testing.T) {
	cb, now := clocked(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	trip(cb, 1, errProviderDown)
	require.Equal(t, CircuitOpen, cb.State())

	*now = now.Add(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, call(cb, nil))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_TrialFailureReopens(t *testing.T) {
	cb, now := clocked(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 30 * time.Second})

	trip(cb, 1, errProviderDown)
	*now = now.Add(time.Minute)
	trip(cb, 1, errProviderDown)
	assert.Equal(t, CircuitOpen, cb.State())

	// The timeout restarts from the failed trial.
	*now = now.Add(10 * time.Second)
	assert.ErrorIs(t, call(cb, nil), ErrCircuitOpen)
}

func TestCircuitBreaker_SingleTrial(t *testing.T) {
	cb, now := clocked(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	trip(cb, 1, errProviderDown)
	*now = now.Add(2 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		done <- err
	}()
	<-started

	// A second caller is rejected while the trial is in flight.
	assert.ErrorIs(t, call(cb, nil), ErrCircuitOpen)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_RequestScopedTrialTriesAgain(t *testing.T) {
	cb, now := clocked(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	trip(cb, 1, errProviderDown)
	*now = now.Add(2 * time.Second)

	_ = call(cb, NewProviderError("acme", KindNotFound, nil))
	assert.Equal(t, CircuitHalfOpen, cb.State())

	require.NoError(t, call(cb, nil))
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	cb := NewCircuitBreaker("acme", CircuitBreakerConfig{FailureThreshold: 100, ResetTimeout: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = call(cb, errProviderDown)
				return
			}
			_ = call(cb, nil)
		}()
	}
	wg.Wait()
}

func TestBreakers_PerProviderWithObserver(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	b := NewBreakers(CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		OnStateChange: func(provider string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, provider+":"+from.String()+"->"+to.String())
		},
	})
	assert.Same(t, b.Get("clearbit"), b.Get("clearbit"))
	assert.NotSame(t, b.Get("clearbit"), b.Get("apollo"))

	trip(b.Get("clearbit"), 1, errProviderDown)
	states := b.States()
	assert.Equal(t, CircuitOpen, states["clearbit"])
	assert.Equal(t, CircuitClosed, states["apollo"])
	assert.Equal(t, []string{"clearbit:closed->open"}, seen)
}

func TestFromCircuitConfig(t *testing.T) {
	cfg := FromCircuitConfig(7, 2*time.Minute)
	assert.Equal(t, 7, cfg.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.ResetTimeout)

	def := FromCircuitConfig(0, 0)
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, def.FailureThreshold)
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
