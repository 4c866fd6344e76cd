package resilience

import (
	"time"
)

// FromCircuitConfig converts config values to a CircuitBreakerConfig.
func FromCircuitConfig(failureThreshold int, resetTimeout time.Duration) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeout > 0 {
		cfg.ResetTimeout = resetTimeout
	}
	return cfg
}

// Merge overlays the non-zero fields of override onto cfg. Tiers use it to
// tighten the engine-wide policy for a single provider.
func (cfg RetryConfig) Merge(override *RetryConfig) RetryConfig {
	if override == nil {
		return cfg
	}
	out := cfg
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.InitialBackoff > 0 {
		out.InitialBackoff = override.InitialBackoff
	}
	if override.MaxBackoff > 0 {
		out.MaxBackoff = override.MaxBackoff
	}
	if override.Multiplier > 0 {
		out.Multiplier = override.Multiplier
	}
	if override.JitterFraction > 0 {
		out.JitterFraction = override.JitterFraction
	}
	if len(override.RetryOn) > 0 {
		out.RetryOn = override.RetryOn
	}
	return out
}
