package waterfall

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/gate"
	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/scorer"
	"github.com/sells-group/prospect-waterfall/internal/waterfall/provider"
)

type handler func(ctx context.Context, req provider.Request) (*provider.Result, error)

type fakeInvoker struct {
	mu       sync.Mutex
	handlers map[string]handler
	calls    []string
}

func newInvoker() *fakeInvoker {
	return &fakeInvoker{handlers: make(map[string]handler)}
}

func (f *fakeInvoker) on(name string, h handler) *fakeInvoker {
	f.handlers[name] = h
	return f
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, req provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.TierID)
	h := f.handlers[name]
	f.mu.Unlock()
	return h(ctx, req)
}

func (f *fakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func returns(costUSD, conf float64, kv ...any) handler {
	return func(context.Context, provider.Request) (*provider.Result, error) {
		res := &provider.Result{CostUSD: costUSD, Confidence: conf}
		for i := 0; i+1 < len(kv); i += 2 {
			res.Fields = append(res.Fields, provider.FieldResult{Field: kv[i].(string), Value: kv[i+1]})
		}
		return res, nil
	}
}

func fails(kind resilience.Kind) handler {
	return func(context.Context, provider.Request) (*provider.Result, error) {
		return nil, provider.Fail("fake", kind, eris.New("provider said no"))
	}
}

type countingCheckpointer struct {
	saves atomic.Int32
	last  atomic.Pointer[model.Record]
}

func (c *countingCheckpointer) SaveRecord(_ context.Context, rec *model.Record) error {
	c.saves.Add(1)
	c.last.Store(rec.Clone())
	return nil
}

var expected = []string{"company", "city", "state", "email", "phone", "title", "linkedin_url", "employee_count", "industry", "revenue"}

func sparseRecord(id, client string) *model.Record {
	return model.NewRecord(id, client, "o1", map[string]any{
		"company": "Acme Corp",
		"city":    "Austin",
		"state":   "TX",
	}, expected, t0)
}

func runConfig(t *testing.T, plan *Plan, sets ...gate.RuleSet) RunConfig {
	t.Helper()
	require.NoError(t, plan.Normalize())
	eng, err := scorer.NewEngine(scorer.DefaultWeightTable())
	require.NoError(t, err)
	book, err := gate.NewBook(sets...)
	require.NoError(t, err)
	return RunConfig{
		Plan:   plan,
		Scorer: eng,
		Rules:  book,
		Retry: resilience.RetryConfig{
			MaxAttempts: 3,
			Sleep:       func(context.Context, time.Duration) error { return nil },
		},
		SnapshotVersion: "snap-1",
	}
}

func memLedger(t *testing.T, caps map[ledger.Kind]ledger.Cap) *ledger.MemoryLedger {
	t.Helper()
	l, err := ledger.NewMemory(ledger.Policy{Version: "b1", Timezone: "UTC", Caps: caps},
		ledger.WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return l
}

func newCoordinator(l ledger.Ledger, inv Invoker, opts ...Option) *Coordinator {
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewCoordinator(l, inv, cost.NewCalculator(cost.DefaultRates()), opts...)
}

func balance(t *testing.T, l ledger.Ledger, kind ledger.Kind, id string) ledger.Balance {
	t.Helper()
	b, err := l.Balance(context.Background(), ledger.Scope{Kind: kind, ID: id})
	require.NoError(t, err)
	return b
}

var sparseRules = gate.RuleSet{
	Name:    "sparse",
	Version: "v1",
	Clauses: []gate.Clause{{
		ID:     "sparse-no-exec",
		Effect: gate.Allow,
		When: []gate.Condition{
			{Field: gate.FieldCompleteness, Op: gate.OpLt, Value: 0.5},
			{Field: "seniority", Op: gate.OpMissing},
		},
	}},
	Default: gate.Deny,
}

func TestRun_SparseRecordUnlocksReasoningTier(t *testing.T) {
	l := memLedger(t, nil)
	inv := newInvoker().on("reasoning", returns(0.25, 0.9,
		"email", "cfo@acme.com", "phone", "+1 512 555 0100", "title", "Head of Finance",
		"linkedin_url", "linkedin.com/in/cfo", "employee_count", 1200, "industry", "Logistics", "revenue", 5e8))
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{{
		ID:       "sparse-data",
		Provider: "reasoning",
		Pricing:  cost.TierPricing{FixedUSD: 0.25},
		Fields:   []string{"email", "phone", "title", "linkedin_url", "employee_count", "industry", "revenue"},
		Gate:     "sparse",
	}}}, sparseRules)

	rec := sparseRecord("r1", "c1")
	require.InDelta(t, 0.3, rec.Completeness(), 1e-9)

	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)

	assert.Equal(t, model.StateExhausted, res.State)
	assert.InDelta(t, 1.0, rec.Completeness(), 1e-9)
	assert.GreaterOrEqual(t, rec.Score, 85.0)
	assert.Equal(t, model.LabelHot, rec.Label)

	a := rec.LastAttempt("sparse-data")
	require.NotNil(t, a)
	assert.Equal(t, model.OutcomeSuccess, a.Outcome)
	assert.Equal(t, "sparse-no-exec", a.MatchedRule)
	assert.Equal(t, "v1", a.RulesetVersion)
	assert.InDelta(t, 0.25, a.CostUSD, 1e-9)
	assert.Equal(t, "record:r1/tier:sparse-data", a.DedupKey)
	assert.Len(t, a.FieldsWritten, 7)
	assert.InDelta(t, 0.25, rec.SpendUSD, 1e-9)
	assert.Equal(t, "p1", rec.PlanVersion)
	assert.Equal(t, "default", rec.WeightsVersion)
	assert.Equal(t, "snap-1", rec.SnapshotVersion)
	assert.NotNil(t, rec.FinalizedAt)

	assert.InDelta(t, 0.25, balance(t, l, ledger.KindClient, "c1").CommittedUSD, 1e-9)
}

func TestRun_GateDeniesExecutiveRecord(t *testing.T) {
	inv := newInvoker().on("reasoning", returns(0.25, 0.9, "email", "x@acme.com"))
	co := newCoordinator(memLedger(t, nil), inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{{
		ID: "sparse-data", Provider: "reasoning", Pricing: cost.TierPricing{FixedUSD: 0.25}, Gate: "sparse",
	}}}, sparseRules)

	rec := sparseRecord("r1", "c1")
	rec.Fields["seniority"] = model.FieldValue{Value: "c-level", Source: model.SourceInput, Confidence: 1}

	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.StateExhausted, res.State)
	assert.Empty(t, inv.Calls())

	a := rec.LastAttempt("sparse-data")
	require.NotNil(t, a)
	assert.Equal(t, model.OutcomeSkippedGate, a.Outcome)
	assert.Empty(t, a.MatchedRule)
	assert.Equal(t, "denied by default of sparse@v1", a.Reason)
}

func TestRun_ExhaustedClientBudgetSkipsPaidTiersOnly(t *testing.T) {
	l := memLedger(t, map[ledger.Kind]ledger.Cap{
		ledger.KindClient: {CapUSD: 0, Reset: ledger.ResetDaily},
	})
	inv := newInvoker().
		on("paid-a", returns(0.10, 0.9, "email", "a@acme.com")).
		on("free-b", returns(0, 0.8, "industry", "Logistics")).
		on("paid-c", returns(0.05, 0.9, "phone", "555"))
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "paid-a", Provider: "paid-a", Pricing: cost.TierPricing{FixedUSD: 0.10}},
		{ID: "free-b", Provider: "free-b"},
		{ID: "paid-c", Provider: "paid-c", Pricing: cost.TierPricing{FixedUSD: 0.05}},
	}})

	for _, id := range []string{"r1", "r2"} {
		rec := sparseRecord(id, "c1")
		res, err := co.Run(context.Background(), rec, cfg)
		require.NoError(t, err)

		assert.Equal(t, model.StateBudgetHalted, res.State)
		assert.Equal(t, model.OutcomeSkippedBudget, rec.Outcome("paid-a"))
		assert.Equal(t, "client:c1", rec.LastAttempt("paid-a").Scope)
		assert.Equal(t, model.OutcomeSuccess, rec.Outcome("free-b"))
		assert.Equal(t, "Logistics", rec.Fields["industry"].Value)
		assert.Equal(t, model.OutcomeSkippedBudget, rec.Outcome("paid-c"))
		assert.Zero(t, rec.SpendUSD)
	}

	assert.Equal(t, []string{"free-b", "free-b"}, inv.Calls())
	b := balance(t, l, ledger.KindClient, "c1")
	assert.Zero(t, b.CommittedUSD)
	assert.Zero(t, b.ReservedUSD)
}

func TestRun_RateLimitedRequeuesWithoutCharge(t *testing.T) {
	l := memLedger(t, nil)
	var limited atomic.Int32
	limited.Store(3)
	inv := newInvoker().on("busy", func(ctx context.Context, req provider.Request) (*provider.Result, error) {
		if limited.Add(-1) >= 0 {
			return nil, provider.Fail("busy", resilience.KindRateLimited, eris.New("429"))
		}
		return returns(0.40, 0.9, "email", "a@acme.com")(ctx, req)
	})
	check := &countingCheckpointer{}
	co := newCoordinator(l, inv, WithCheckpointer(check))
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "busy", Provider: "busy", Pricing: cost.TierPricing{FixedUSD: 0.40}},
	}})

	rec := sparseRecord("r1", "c1")
	for i := 0; i < 3; i++ {
		res, err := co.Run(context.Background(), rec, cfg)
		require.NoError(t, err)
		assert.True(t, res.Requeue)
		assert.Equal(t, "busy", res.RequeueTier)
		assert.Equal(t, model.StateRequeued, rec.State)
		assert.Empty(t, rec.Attempts)

		b := balance(t, l, ledger.KindClient, "c1")
		assert.Zero(t, b.CommittedUSD)
		assert.Zero(t, b.ReservedUSD)
	}
	assert.Equal(t, model.StateRequeued, check.last.Load().State)

	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.False(t, res.Requeue)
	assert.Equal(t, model.StateExhausted, res.State)
	require.Len(t, rec.Attempts, 1)
	assert.Equal(t, model.OutcomeSuccess, rec.Attempts[0].Outcome)
	assert.InDelta(t, 0.40, balance(t, l, ledger.KindClient, "c1").CommittedUSD, 1e-9)
}

func TestRun_AbortPolicyKeepsPriorFields(t *testing.T) {
	l := memLedger(t, nil)
	inv := newInvoker().
		on("cheap", returns(0, 0.8, "email", "a@acme.com")).
		on("verify", fails(resilience.KindNotFound)).
		on("after", returns(0.10, 0.9, "phone", "555"))
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "cheap", Provider: "cheap"},
		{ID: "verify", Provider: "verify", Pricing: cost.TierPricing{FixedUSD: 0.20}, FailurePolicy: AbortPipeline},
		{ID: "after", Provider: "after", Pricing: cost.TierPricing{FixedUSD: 0.10}},
	}})

	rec := sparseRecord("r1", "c1")
	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)

	assert.Equal(t, model.StateAborted, res.State)
	assert.Contains(t, rec.StopReason, "verify")
	assert.Equal(t, "a@acme.com", rec.Fields["email"].Value)
	assert.Equal(t, []string{"cheap", "verify"}, inv.Calls())

	a := rec.LastAttempt("verify")
	require.NotNil(t, a)
	assert.Equal(t, model.OutcomeFailureTerminal, a.Outcome)
	assert.Equal(t, "not_found", a.FailureKind)
	assert.Equal(t, 1, a.Tries)
	assert.Equal(t, model.OutcomePending, rec.Outcome("after"))

	b := balance(t, l, ledger.KindClient, "c1")
	assert.Zero(t, b.CommittedUSD)
	assert.Zero(t, b.ReservedUSD)
}

func TestRun_TransientRetriedThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	inv := newInvoker().on("flaky", func(ctx context.Context, req provider.Request) (*provider.Result, error) {
		if calls.Add(1) < 3 {
			return nil, provider.Fail("flaky", resilience.KindTransient, eris.New("502"))
		}
		return returns(0, 0.9, "email", "a@acme.com")(ctx, req)
	})
	co := newCoordinator(memLedger(t, nil), inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "flaky", Provider: "flaky", Pricing: cost.TierPricing{FixedUSD: 0.05}},
	}})

	rec := sparseRecord("r1", "c1")
	_, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	a := rec.LastAttempt("flaky")
	assert.Equal(t, model.OutcomeSuccess, a.Outcome)
	assert.Equal(t, 3, a.Tries)
	// Fixed-price tier reporting no cost is billed its flat price.
	assert.InDelta(t, 0.05, a.CostUSD, 1e-9)
}

func TestRun_TransientExhaustedContinues(t *testing.T) {
	l := memLedger(t, nil)
	inv := newInvoker().
		on("down", fails(resilience.KindTransient)).
		on("next", returns(0, 0.9, "phone", "555"))
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "down", Provider: "down", Pricing: cost.TierPricing{FixedUSD: 0.05}},
		{ID: "next", Provider: "next"},
	}})

	rec := sparseRecord("r1", "c1")
	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.StateExhausted, res.State)
	assert.Equal(t, model.OutcomeFailureRetryable, rec.Outcome("down"))
	assert.Equal(t, 3, rec.LastAttempt("down").Tries)
	assert.Equal(t, model.OutcomeSuccess, rec.Outcome("next"))
	assert.Zero(t, balance(t, l, ledger.KindRecord, "r1").ReservedUSD)
}

func TestRun_ReplayNeverChargesTwice(t *testing.T) {
	l := memLedger(t, nil)
	inv := newInvoker().on("paid", returns(0.30, 0.9, "email", "a@acme.com"))
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "paid", Provider: "paid", Pricing: cost.TierPricing{FixedUSD: 0.30}},
	}})

	base := sparseRecord("r1", "c1")
	_, err := co.Run(context.Background(), base.Clone(), cfg)
	require.NoError(t, err)

	// A crash before the checkpoint leaves the stored record without the
	// attempt; the replay must not charge again.
	replay := base.Clone()
	_, err = co.Run(context.Background(), replay, cfg)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSkippedDuplicate, replay.Outcome("paid"))
	assert.Equal(t, []string{"paid"}, inv.Calls())
	assert.InDelta(t, 0.30, balance(t, l, ledger.KindRecord, "r1").CommittedUSD, 1e-9)
}

func TestRun_ChargedElsewhereDuringCallIsDuplicate(t *testing.T) {
	l := memLedger(t, nil)
	inv := newInvoker().on("paid", func(ctx context.Context, req provider.Request) (*provider.Result, error) {
		// Another process commits the same tier for this record meanwhile.
		l.Restore([]model.LedgerEntry{{
			ChargeID: "other", ScopeKey: "record:r1", PeriodKey: "all",
			AmountUSD: 0.30, DedupKey: model.DedupKey("r1", "paid"),
		}})
		return returns(0.30, 0.9, "email", "a@acme.com")(ctx, req)
	})
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "paid", Provider: "paid", Pricing: cost.TierPricing{FixedUSD: 0.30}},
	}})

	rec := sparseRecord("r1", "c1")
	_, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSkippedDuplicate, rec.Outcome("paid"))
	assert.Zero(t, rec.LastAttempt("paid").CostUSD)
	assert.Zero(t, rec.SpendUSD)
	_, ok := rec.Field("email")
	assert.False(t, ok)

	b := balance(t, l, ledger.KindRecord, "r1")
	assert.InDelta(t, 0.30, b.CommittedUSD, 1e-9)
	assert.Zero(t, b.ReservedUSD)
}

func TestRun_ResumesAfterLastSettledTier(t *testing.T) {
	inv := newInvoker().
		on("a", returns(0, 0.9, "email", "a@acme.com")).
		on("b", returns(0, 0.9, "phone", "555"))
	co := newCoordinator(memLedger(t, nil), inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "a", Provider: "a"},
		{ID: "b", Provider: "b"},
	}})

	rec := sparseRecord("r1", "c1")
	rec.State = model.StateRunning
	rec.Attempts = []model.Attempt{{TierID: "a", Outcome: model.OutcomeSuccess}}

	_, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, inv.Calls())
}

func TestRun_TiersAreSequential(t *testing.T) {
	var rec *model.Record
	inv := newInvoker()
	order := []string{"t1", "t2", "t3", "t4"}
	tiers := make([]TierDefinition, 0, len(order))
	for i, id := range order {
		// Ranks descend in declaration order, so order[i+1] runs first.
		prev := ""
		if i+1 < len(order) {
			prev = order[i+1]
		}
		inv.on(id, func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			if prev != "" {
				assert.True(t, rec.Outcome(prev).Terminal(), "tier %s started before %s settled", req.TierID, prev)
			}
			if req.TierID == "t2" {
				return nil, provider.Fail(req.TierID, resilience.KindFatal, eris.New("boom"))
			}
			return returns(0, 0.9, "f_"+req.TierID, "v")(ctx, req)
		})
		tiers = append(tiers, TierDefinition{ID: id, Provider: id, Rank: 10 * (len(order) - i)})
	}
	co := newCoordinator(memLedger(t, nil), inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: tiers})

	rec = sparseRecord("r1", "c1")
	_, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"t4", "t3", "t2", "t1"}, inv.Calls())
}

func TestRun_PauseBetweenTiers(t *testing.T) {
	var paused atomic.Bool
	inv := newInvoker().
		on("a", func(ctx context.Context, req provider.Request) (*provider.Result, error) {
			paused.Store(true)
			return returns(0.10, 0.9, "email", "a@acme.com")(ctx, req)
		}).
		on("b", returns(0, 0.9, "phone", "555"))
	l := memLedger(t, nil)
	co := newCoordinator(l, inv, WithPauser(pauserFunc(func() bool { return paused.Load() })))
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "a", Provider: "a", Pricing: cost.TierPricing{FixedUSD: 0.10}},
		{ID: "b", Provider: "b"},
	}})

	rec := sparseRecord("r1", "c1")
	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaused, res.State)
	// The in-flight call still finished, merged and charged.
	assert.Equal(t, model.OutcomeSuccess, rec.Outcome("a"))
	assert.InDelta(t, 0.10, balance(t, l, ledger.KindRecord, "r1").CommittedUSD, 1e-9)
	assert.Equal(t, []string{"a"}, inv.Calls())

	paused.Store(false)
	res, err = co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.StateExhausted, res.State)
	assert.Equal(t, []string{"a", "b"}, inv.Calls())
}

type pauserFunc func() bool

func (p pauserFunc) Paused(context.Context, *model.Record) bool { return p() }

func TestRun_RecordTimeout(t *testing.T) {
	inv := newInvoker().
		on("slow", func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}).
		on("never", returns(0, 0.9, "phone", "555"))
	l := memLedger(t, nil)
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", RecordTimeout: 20 * time.Millisecond, Tiers: []TierDefinition{
		{ID: "slow", Provider: "slow", Pricing: cost.TierPricing{FixedUSD: 0.10}, Timeout: time.Hour},
		{ID: "never", Provider: "never"},
	}})

	rec := sparseRecord("r1", "c1")
	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.StateTimedOut, res.State)
	assert.Equal(t, model.OutcomeFailureRetryable, rec.Outcome("slow"))
	assert.Equal(t, model.OutcomePending, rec.Outcome("never"))
	assert.Contains(t, rec.StopReason, "1 tiers not attempted")
	assert.Zero(t, balance(t, l, ledger.KindRecord, "r1").ReservedUSD)
}

func TestRun_CancelledLeavesRecordResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inv := newInvoker().on("a", func(ctx context.Context, _ provider.Request) (*provider.Result, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	l := memLedger(t, nil)
	check := &countingCheckpointer{}
	co := newCoordinator(l, inv, WithCheckpointer(check))
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "a", Provider: "a", Pricing: cost.TierPricing{FixedUSD: 0.10}},
	}})

	rec := sparseRecord("r1", "c1")
	_, err := co.Run(ctx, rec, cfg)
	require.Error(t, err)
	assert.Equal(t, model.StatePending, rec.State)
	assert.Empty(t, rec.Attempts)
	assert.Equal(t, model.StatePending, check.last.Load().State)
	assert.Zero(t, balance(t, l, ledger.KindRecord, "r1").ReservedUSD)
}

func TestRun_CheckpointsEverySettledTier(t *testing.T) {
	inv := newInvoker().
		on("a", returns(0, 0.9, "email", "a@acme.com")).
		on("b", fails(resilience.KindInvalidInput))
	check := &countingCheckpointer{}
	co := newCoordinator(memLedger(t, nil), inv, WithCheckpointer(check))
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "a", Provider: "a"},
		{ID: "b", Provider: "b"},
	}})

	_, err := co.Run(context.Background(), sparseRecord("r1", "c1"), cfg)
	require.NoError(t, err)
	// One per tier plus the final state.
	assert.Equal(t, int32(3), check.saves.Load())
	assert.Equal(t, model.StateExhausted, check.last.Load().State)
}

func TestRun_SkipsTierWithNothingToFill(t *testing.T) {
	inv := newInvoker().on("a", returns(0.10, 0.9, "company", "Acme"))
	co := newCoordinator(memLedger(t, nil), inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "a", Provider: "a", Pricing: cost.TierPricing{FixedUSD: 0.10}, Fields: []string{"company", "city"}},
	}})

	rec := sparseRecord("r1", "c1")
	_, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSkippedGate, rec.Outcome("a"))
	assert.Empty(t, inv.Calls())
}

func TestRun_TerminalRecordIsImmutable(t *testing.T) {
	inv := newInvoker().on("a", returns(0, 0.9, "email", "a@acme.com"))
	co := newCoordinator(memLedger(t, nil), inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{{ID: "a", Provider: "a"}}})

	rec := sparseRecord("r1", "c1")
	rec.State = model.StateAborted
	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.StateAborted, res.State)
	assert.Empty(t, inv.Calls())
}

func TestRun_UnknownGateIsConfigError(t *testing.T) {
	co := newCoordinator(memLedger(t, nil), newInvoker())
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{{ID: "a", Provider: "a", Gate: "nope"}}})

	_, err := co.Run(context.Background(), sparseRecord("r1", "c1"), cfg)
	assert.ErrorContains(t, err, "unknown rule set nope")
}

func TestRun_SharedBudgetNeverOvercommits(t *testing.T) {
	l := memLedger(t, map[ledger.Kind]ledger.Cap{
		ledger.KindClient: {CapUSD: 1.00, Reset: ledger.ResetDaily},
	})
	inv := newInvoker().on("paid", returns(0.30, 0.9, "email", "a@acme.com"))
	co := newCoordinator(l, inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "paid", Provider: "paid", Pricing: cost.TierPricing{FixedUSD: 0.30}},
	}})

	const n = 20
	var wg sync.WaitGroup
	var succeeded, skipped atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := sparseRecord("r"+string(rune('a'+i)), "c1")
			_, err := co.Run(context.Background(), rec, cfg)
			assert.NoError(t, err)
			switch rec.Outcome("paid") {
			case model.OutcomeSuccess:
				succeeded.Add(1)
			case model.OutcomeSkippedBudget:
				skipped.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded.Load())
	assert.Equal(t, int32(n-3), skipped.Load())
	b := balance(t, l, ledger.KindClient, "c1")
	assert.InDelta(t, 0.90, b.CommittedUSD, 1e-9)
	assert.LessOrEqual(t, b.CommittedUSD, 1.00)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []model.Outcome
	finished []model.RecordState
}

func (o *recordingObserver) TierSettled(_, _ string, outcome model.Outcome, _ float64, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *recordingObserver) RecordFinished(state model.RecordState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, state)
}

func TestRun_ReportsToObserver(t *testing.T) {
	obs := &recordingObserver{}
	inv := newInvoker().on("a", returns(0, 0.9, "email", "a@acme.com"))
	co := newCoordinator(memLedger(t, nil), inv, WithObserver(obs))
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{{ID: "a", Provider: "a"}}})

	_, err := co.Run(context.Background(), sparseRecord("r1", "c1"), cfg)
	require.NoError(t, err)
	assert.Equal(t, []model.Outcome{model.OutcomeSuccess}, obs.outcomes)
	assert.Equal(t, []model.RecordState{model.StateExhausted}, obs.finished)
}

func TestRun_AbandonedAbortTierAbortsOnResume(t *testing.T) {
	inv := newInvoker().on("after", returns(0, 0.9, "phone", "555"))
	co := newCoordinator(memLedger(t, nil), inv)
	cfg := runConfig(t, &Plan{Version: "p1", Tiers: []TierDefinition{
		{ID: "verify", Provider: "verify", FailurePolicy: AbortPipeline},
		{ID: "after", Provider: "after"},
	}})

	rec := sparseRecord("r1", "c1")
	tier, ok := cfg.Plan.Tier("verify")
	require.True(t, ok)
	Abandon(rec, tier, "rate limited 5 times", t0)

	res, err := co.Run(context.Background(), rec, cfg)
	require.NoError(t, err)
	assert.Equal(t, model.StateAborted, res.State)
	assert.Equal(t, "rate_limited", rec.LastAttempt("verify").FailureKind)
	assert.Empty(t, inv.Calls())
}
