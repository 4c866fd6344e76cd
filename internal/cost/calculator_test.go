package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testCalc() *Calculator {
	return NewCalculator(Rates{
		"small": {Input: 1.00, Output: 5.00, CacheWriteMul: 2.0, CacheReadMul: 0.1},
		"large": {Input: 3.00, Output: 15.00},
	})
}

func TestTokenCost(t *testing.T) {
	t.Parallel()
	calc := testCalc()

	tests := []struct {
		name   string
		model  string
		tokens Tokens
		want   float64
		known  bool
	}{
		{"input and output", "small", Tokens{Input: 1_000_000, Output: 100_000}, 1.50, true},
		// 0.2 + 0.1 + (0.5 * 2.0) + (1.0 * 0.1)
		{"cached instructions", "small", Tokens{Input: 200_000, Output: 20_000, CacheWrite: 500_000, CacheRead: 1_000_000}, 1.40, true},
		{"no cache multipliers", "large", Tokens{Input: 1_000_000, CacheRead: 1_000_000}, 3.00, true},
		{"zero usage", "small", Tokens{}, 0, true},
		{"unpriced model", "mystery", Tokens{Input: 1_000_000}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := calc.TokenCost(tt.model, tt.tokens)
			assert.Equal(t, tt.known, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	calc := testCalc()

	tests := []struct {
		name    string
		pricing TierPricing
		missing int
		want    float64
	}{
		{"free", TierPricing{}, 3, 0},
		{"fixed ignores missing", TierPricing{FixedUSD: 0.05}, 3, 0.05},
		{"per field", TierPricing{FixedUSD: 0.01, PerFieldUSD: 0.02}, 3, 0.07},
		{"negative missing clamps", TierPricing{PerFieldUSD: 0.02}, -2, 0},
		{"token priced", TierPricing{Model: "small", EstInputTokens: 2000, EstOutputTokens: 400}, 0, 0.004},
		{"unpriced model keeps fixed part", TierPricing{FixedUSD: 0.1, Model: "mystery", EstInputTokens: 1000}, 0, 0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, calc.Estimate(tt.pricing, tt.missing), 1e-9)
		})
	}
}

func TestSettle(t *testing.T) {
	t.Parallel()
	calc := testCalc()

	fixed := TierPricing{FixedUSD: 0.05}
	assert.InDelta(t, 0.05, calc.Settle(fixed, 0.05, 0), 1e-9, "fixed tier bills its price when nothing is reported")
	assert.InDelta(t, 0.03, calc.Settle(fixed, 0.05, 0.03), 1e-9)

	estimated := TierPricing{FixedUSD: 0.05, Estimated: true}
	assert.Zero(t, calc.Settle(estimated, 0.05, 0))
	assert.InDelta(t, 0.08, calc.Settle(estimated, 0.05, 0.08), 1e-9)

	reasoning := TierPricing{Model: "small"}
	assert.Zero(t, calc.Settle(reasoning, 0.004, 0))
}

func TestFree(t *testing.T) {
	t.Parallel()
	assert.True(t, TierPricing{}.Free())
	assert.False(t, TierPricing{FixedUSD: 0.01}.Free())
	assert.False(t, TierPricing{PerFieldUSD: 0.01}.Free())
	assert.False(t, TierPricing{Model: "small"}.Free())
}

func TestMicros(t *testing.T) {
	t.Parallel()
	assert.Equal(t, int64(100000), Micros(0.1))
	assert.Equal(t, int64(300000), Micros(0.1)+Micros(0.2))
	assert.InDelta(t, 0.3, USD(Micros(0.1)+Micros(0.2)), 1e-12)
	assert.InDelta(t, 0.123457, Round(0.1234567), 1e-12)
}

func TestDefaultRates(t *testing.T) {
	t.Parallel()
	calc := NewCalculator(DefaultRates())
	for _, model := range []string{"claude-haiku-4-5-20251001", "claude-sonnet-4-5-20250929", "claude-opus-4-6"} {
		_, ok := calc.TokenCost(model, Tokens{Input: 1})
		assert.True(t, ok, model)
	}
}
