// Package cost estimates what a tier will charge before it runs and settles
// what it actually charged afterwards.
package cost

import "math"

// Rates maps a model name to its token pricing.
type Rates map[string]ModelRate

// ModelRate is USD per million tokens. Cache writes and reads are priced as
// multiples of the input rate.
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// Tokens is the token usage of one model call.
type Tokens struct {
	Input      int64
	Output     int64
	CacheWrite int64
	CacheRead  int64
}

// TierPricing describes how a tier is billed.
type TierPricing struct {
	// FixedUSD is the flat per-call price.
	FixedUSD float64 `yaml:"cost_usd" json:"cost_usd"`
	// PerFieldUSD is added once for every target field the record is missing.
	PerFieldUSD float64 `yaml:"per_field_usd" json:"per_field_usd"`
	// Estimated tiers bill what the provider reports; fixed tiers bill the
	// flat price when the provider reports nothing.
	Estimated bool `yaml:"estimated" json:"estimated"`

	Model           string `yaml:"model" json:"model,omitempty"`
	EstInputTokens  int64  `yaml:"est_input_tokens" json:"est_input_tokens,omitempty"`
	EstOutputTokens int64  `yaml:"est_output_tokens" json:"est_output_tokens,omitempty"`
}

// Free reports whether the tier never costs anything and so bypasses the
// ledger.
func (p TierPricing) Free() bool {
	return p.FixedUSD <= 0 && p.PerFieldUSD <= 0 && p.Model == ""
}

// Calculator prices tier calls.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// TokenCost prices usage for model. ok is false when the model has no rate.
func (c *Calculator) TokenCost(model string, t Tokens) (usd float64, ok bool) {
	r, ok := c.rates[model]
	if !ok {
		return 0, false
	}
	perM := func(n int64, rate float64) float64 { return float64(n) / 1e6 * rate }
	usd = perM(t.Input, r.Input) +
		perM(t.Output, r.Output) +
		perM(t.CacheWrite, r.Input*r.CacheWriteMul) +
		perM(t.CacheRead, r.Input*r.CacheReadMul)
	return Round(usd), true
}

// Estimate returns the amount to reserve before calling a tier. missing is
// the number of the tier's target fields the record does not have yet.
func (c *Calculator) Estimate(p TierPricing, missing int) float64 {
	est := p.FixedUSD + p.PerFieldUSD*float64(max(missing, 0))
	if p.Model != "" {
		usd, _ := c.TokenCost(p.Model, Tokens{Input: p.EstInputTokens, Output: p.EstOutputTokens})
		est += usd
	}
	return Round(est)
}

// Settle returns what a successful call actually costs given the amount the
// provider reported.
func (c *Calculator) Settle(p TierPricing, estimate, reported float64) float64 {
	switch {
	case reported > 0:
		return Round(reported)
	case p.Estimated || p.Model != "":
		return 0
	}
	return Round(estimate)
}

// Micros converts dollars to integer micro-dollars so balances add up exactly.
func Micros(usd float64) int64 {
	return int64(math.Round(usd * 1e6))
}

// USD converts micro-dollars back to dollars.
func USD(micros int64) float64 {
	return float64(micros) / 1e6
}

// Round rounds dollars to the nearest micro-dollar.
func Round(usd float64) float64 {
	return USD(Micros(usd))
}

// DefaultRates prices the models the reasoning tier is usually pointed at.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 1.00, Output: 5.00, CacheWriteMul: 2.0, CacheReadMul: 0.1},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00, CacheWriteMul: 2.0, CacheReadMul: 0.1},
		"claude-opus-4-6":            {Input: 5.00, Output: 25.00, CacheWriteMul: 2.0, CacheReadMul: 0.1},
	}
}
