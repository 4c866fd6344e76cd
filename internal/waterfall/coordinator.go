package waterfall

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/gate"
	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/scorer"
	"github.com/sells-group/prospect-waterfall/internal/waterfall/provider"
)

// Invoker dispatches a request to the named provider. The pool's scheduler
// implements it with rate limiting and circuit breaking.
type Invoker interface {
	Invoke(ctx context.Context, providerName string, req provider.Request) (*provider.Result, error)
}

// Checkpointer persists the record after every settled tier so a crashed
// run resumes from the last committed tier.
type Checkpointer interface {
	SaveRecord(ctx context.Context, rec *model.Record) error
}

// Pauser reports whether a record's campaign is paused. It is consulted
// between tiers, never during a provider call.
type Pauser interface {
	Paused(ctx context.Context, rec *model.Record) bool
}

// Observer receives tier and record outcomes, typically for metrics.
type Observer interface {
	TierSettled(tier, providerName string, outcome model.Outcome, costUSD float64, took time.Duration)
	RecordFinished(state model.RecordState)
}

// RunConfig is the immutable configuration one run executes against.
type RunConfig struct {
	Plan            *Plan
	Scorer          *scorer.Engine
	Rules           *gate.Book
	Retry           resilience.RetryConfig
	SnapshotVersion string
}

// Result is the outcome of one Run call.
type Result struct {
	Record *model.Record     `json:"record"`
	State  model.RecordState `json:"state"`
	// Requeue asks the caller to run the record again later, starting at
	// RequeueTier, because its provider was rate limited.
	Requeue       bool   `json:"requeue"`
	RequeueTier   string `json:"requeue_tier,omitempty"`
	RequeueReason string `json:"requeue_reason,omitempty"`
}

// Coordinator drives a record through the plan.
type Coordinator struct {
	ledger   ledger.Ledger
	invoker  Invoker
	calc     *cost.Calculator
	check    Checkpointer
	pauser   Pauser
	observer Observer
	now      func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCheckpointer persists the record after each settled tier.
func WithCheckpointer(c Checkpointer) Option { return func(co *Coordinator) { co.check = c } }

// WithPauser enables cooperative pausing between tiers.
func WithPauser(p Pauser) Option { return func(co *Coordinator) { co.pauser = p } }

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option { return func(co *Coordinator) { co.observer = o } }

// WithClock sets the time source.
func WithClock(now func() time.Time) Option { return func(co *Coordinator) { co.now = now } }

// NewCoordinator creates a Coordinator.
func NewCoordinator(l ledger.Ledger, inv Invoker, calc *cost.Calculator, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:  l,
		invoker: inv,
		calc:    calc,
		now:     time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes the remaining tiers of rec in order. Provider failures become
// attempt outcomes; an error is returned only for infrastructure failures or
// when ctx is cancelled, in which case the record stays resumable.
func (c *Coordinator) Run(ctx context.Context, rec *model.Record, cfg RunConfig) (*Result, error) {
	if cfg.Plan == nil || cfg.Scorer == nil {
		return nil, eris.New("waterfall: run config needs a plan and a scorer")
	}
	if rec.State.Terminal() {
		return &Result{Record: rec, State: rec.State}, nil
	}
	if rec.Fields == nil {
		rec.Fields = make(map[string]model.FieldValue)
	}

	log := zap.L().With(zap.String("record_id", rec.ID))
	rec.State = model.StateRunning
	rec.StopReason = ""
	rec.PlanVersion = cfg.Plan.Version
	rec.WeightsVersion = cfg.Scorer.Version()
	rec.SnapshotVersion = cfg.SnapshotVersion
	c.rescore(rec, cfg)

	runCtx := ctx
	if cfg.Plan.RecordTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Plan.RecordTimeout)
		defer cancel()
	}

	for i, tier := range cfg.Plan.Tiers {
		if o := rec.Outcome(tier.ID); o.Terminal() {
			if tier.FailurePolicy == AbortPipeline && failed(o) {
				return c.finish(ctx, rec, model.StateAborted,
					fmt.Sprintf("tier %s failed earlier and aborts the pipeline", tier.ID))
			}
			continue
		}

		if err := ctx.Err(); err != nil {
			return c.interrupted(rec, err)
		}
		if runCtx.Err() != nil {
			return c.finish(ctx, rec, model.StateTimedOut,
				fmt.Sprintf("record timeout of %s reached before tier %s", cfg.Plan.RecordTimeout, tier.ID))
		}
		if c.pauser != nil && c.pauser.Paused(ctx, rec) {
			rec.State = model.StatePaused
			rec.StopReason = "campaign paused before tier " + tier.ID
			if err := c.checkpoint(ctx, rec); err != nil {
				return nil, err
			}
			log.Info("waterfall: record paused", zap.String("tier", tier.ID))
			return &Result{Record: rec, State: rec.State}, nil
		}

		step, err := c.runTier(ctx, runCtx, rec, tier, cfg)
		if err != nil {
			return nil, err
		}

		switch step.kind {
		case stepInterrupted:
			return c.interrupted(rec, ctx.Err())
		case stepRequeue:
			rec.State = model.StateRequeued
			rec.StopReason = step.reason
			if err := c.checkpoint(ctx, rec); err != nil {
				return nil, err
			}
			log.Info("waterfall: record requeued",
				zap.String("tier", tier.ID),
				zap.String("provider", tier.Provider),
				zap.String("reason", step.reason),
			)
			return &Result{Record: rec, State: rec.State, Requeue: true, RequeueTier: tier.ID, RequeueReason: step.reason}, nil
		}

		if err := c.checkpoint(ctx, rec); err != nil {
			return nil, err
		}

		switch step.kind {
		case stepAbort:
			return c.finish(ctx, rec, model.StateAborted, step.reason)
		case stepTimedOut:
			return c.finish(ctx, rec, model.StateTimedOut,
				fmt.Sprintf("record timeout of %s reached during tier %s; %d tiers not attempted",
					cfg.Plan.RecordTimeout, tier.ID, len(cfg.Plan.Tiers)-i-1))
		}
	}

	for _, a := range rec.Attempts {
		if a.Outcome == model.OutcomeSkippedBudget {
			return c.finish(ctx, rec, model.StateBudgetHalted,
				fmt.Sprintf("plan finished with budget skips (first: tier %s, %s)", a.TierID, a.Reason))
		}
	}
	return c.finish(ctx, rec, model.StateExhausted, "all tiers settled")
}

// Abandon settles a tier the caller stopped retrying, typically after its
// provider stayed rate limited through every requeue. Nothing is charged;
// the next Run applies the tier's failure policy.
func Abandon(rec *model.Record, tier TierDefinition, reason string, now time.Time) {
	rec.Attempts = append(rec.Attempts, model.Attempt{
		TierID:      tier.ID,
		Rank:        tier.Rank,
		Provider:    tier.Provider,
		Outcome:     model.OutcomeFailureRetryable,
		FailureKind: string(resilience.KindRateLimited),
		Reason:      reason,
		ScoreAfter:  rec.Score,
		StartedAt:   now,
		FinishedAt:  now,
	})
	rec.UpdatedAt = now
}

func failed(o model.Outcome) bool {
	return o == model.OutcomeFailureRetryable || o == model.OutcomeFailureTerminal
}

type stepKind int

const (
	stepNext stepKind = iota
	stepAbort
	stepRequeue
	stepTimedOut
	stepInterrupted
)

type step struct {
	kind   stepKind
	reason string
}

// runTier settles a single tier: gate, reserve, invoke, merge, commit.
func (c *Coordinator) runTier(ctx, runCtx context.Context, rec *model.Record, tier TierDefinition, cfg RunConfig) (step, error) {
	started := c.now()
	attempt := model.Attempt{
		TierID:    tier.ID,
		Rank:      tier.Rank,
		Provider:  tier.Provider,
		StartedAt: started,
	}
	settle := func(o model.Outcome) {
		attempt.Outcome = o
		attempt.FinishedAt = c.now()
		attempt.ScoreAfter = rec.Score
		rec.Attempts = append(rec.Attempts, attempt)
		rec.UpdatedAt = attempt.FinishedAt
		if c.observer != nil {
			c.observer.TierSettled(tier.ID, tier.Provider, o, attempt.CostUSD, attempt.FinishedAt.Sub(started))
		}
	}

	// Gate.
	if tier.Gate != "" {
		rs, ok := c.ruleSet(cfg.Rules, tier)
		if !ok {
			return step{}, eris.Errorf("waterfall: tier %s references unknown rule set %s", tier.ID, tier.Gate)
		}
		d := gate.Evaluate(rs, gate.Input{Record: rec, Score: rec.Score, Now: started})
		attempt.MatchedRule = d.MatchedRule
		attempt.RuleSet = d.RuleSet
		attempt.RulesetVersion = d.Version
		if !d.Allowed {
			attempt.Reason = d.Reason()
			settle(model.OutcomeSkippedGate)
			return step{kind: stepNext}, nil
		}
	}

	want := missingFields(rec, tier)
	if len(tier.Fields) > 0 && len(want) == 0 {
		attempt.Reason = "target fields already populated"
		settle(model.OutcomeSkippedGate)
		return step{kind: stepNext}, nil
	}

	// Reserve.
	estimate := c.calc.Estimate(tier.Pricing, len(want))
	attempt.EstimatedUSD = estimate
	var token *ledger.Token
	if !tier.Pricing.Free() {
		attempt.DedupKey = model.DedupKey(rec.ID, tier.ID)
		t, err := c.ledger.Reserve(ctx, ledger.ScopesFor(rec, tier.scopeKinds()), estimate, attempt.DedupKey)
		var rej *ledger.Rejection
		switch {
		case errors.Is(err, ledger.ErrAlreadyCharged):
			attempt.Reason = "charge already committed under " + attempt.DedupKey
			settle(model.OutcomeSkippedDuplicate)
			return step{kind: stepNext}, nil
		case errors.As(err, &rej):
			attempt.Scope = rej.Scope.Key()
			attempt.Reason = rej.Error()
			settle(model.OutcomeSkippedBudget)
			return step{kind: stepNext}, nil
		case err != nil:
			return step{}, eris.Wrapf(err, "waterfall: reserve tier %s", tier.ID)
		}
		token = t
	}

	// Invoke.
	retry := cfg.Retry.Merge(tier.Retry)
	retry.OnRetry = resilience.RetryLogger(tier.Provider, tier.ID)
	req := requestFor(rec, tier, want)
	res, tries, callErr := resilience.DoCount(runCtx, retry, func(ctx context.Context) (*provider.Result, error) {
		callCtx, cancel := context.WithTimeout(ctx, tier.Timeout)
		defer cancel()
		return c.invoker.Invoke(callCtx, tier.Provider, req)
	})
	attempt.Tries = tries

	// Settlement must outlive the run deadline so a finished call is charged.
	settleCtx := context.WithoutCancel(ctx)

	if callErr != nil {
		if token != nil {
			if err := c.ledger.Release(settleCtx, token); err != nil && !errors.Is(err, ledger.ErrUnknownToken) {
				return step{}, eris.Wrapf(err, "waterfall: release tier %s", tier.ID)
			}
		}
		kind := resilience.KindOf(callErr)
		switch {
		case ctx.Err() != nil:
			return step{kind: stepInterrupted}, nil
		case kind == resilience.KindRateLimited:
			return step{kind: stepRequeue, reason: fmt.Sprintf("provider %s rate limited at tier %s", tier.Provider, tier.ID)}, nil
		}

		attempt.FailureKind = string(kind)
		attempt.Error = callErr.Error()
		outcome := model.OutcomeFailureTerminal
		if retry.Retryable(callErr) {
			outcome = model.OutcomeFailureRetryable
		}
		timedOut := runCtx.Err() != nil
		if timedOut {
			outcome = model.OutcomeFailureRetryable
			attempt.FailureKind = string(resilience.KindTransient)
		}
		attempt.Reason = fmt.Sprintf("provider %s failed: %s after %d tries", tier.Provider, attempt.FailureKind, tries)
		settle(outcome)

		zap.L().Warn("waterfall: tier failed",
			zap.String("record_id", rec.ID),
			zap.String("tier", tier.ID),
			zap.String("provider", tier.Provider),
			zap.String("outcome", string(outcome)),
			zap.Error(callErr),
		)

		switch {
		case timedOut:
			return step{kind: stepTimedOut}, nil
		case tier.FailurePolicy == AbortPipeline:
			return step{kind: stepAbort, reason: fmt.Sprintf("tier %s failed with %s and aborts the pipeline", tier.ID, attempt.FailureKind)}, nil
		}
		return step{kind: stepNext}, nil
	}

	// Commit, merge, rescore.
	if token != nil {
		actual := c.calc.Settle(tier.Pricing, estimate, res.CostUSD)
		charged, err := c.ledger.Commit(settleCtx, token, actual)
		switch {
		case errors.Is(err, ledger.ErrAlreadyCharged):
			// A concurrent run owns this charge and its result.
			attempt.Reason = "charge committed concurrently under " + attempt.DedupKey
			settle(model.OutcomeSkippedDuplicate)
			return step{kind: stepNext}, nil
		case errors.Is(err, ledger.ErrUnknownToken):
			zap.L().Error("waterfall: reservation expired before commit",
				zap.String("record_id", rec.ID),
				zap.String("tier", tier.ID),
				zap.Float64("cost_usd", actual),
			)
		case err != nil:
			return step{}, eris.Wrapf(err, "waterfall: commit tier %s", tier.ID)
		}
		attempt.CostUSD = charged
		rec.SpendUSD = cost.Round(rec.SpendUSD + charged)
	}
	attempt.FieldsWritten = Merge(rec, tier, res, c.now())
	c.rescore(rec, cfg)
	attempt.Reason = fmt.Sprintf("wrote %d fields", len(attempt.FieldsWritten))
	settle(model.OutcomeSuccess)

	if runCtx.Err() != nil && ctx.Err() == nil {
		return step{kind: stepTimedOut}, nil
	}
	return step{kind: stepNext}, nil
}

func (c *Coordinator) ruleSet(book *gate.Book, tier TierDefinition) (*gate.RuleSet, bool) {
	if book == nil {
		return nil, false
	}
	if tier.GateVersion != "" {
		return book.Lookup(tier.Gate, tier.GateVersion)
	}
	return book.Latest(tier.Gate)
}

func (c *Coordinator) rescore(rec *model.Record, cfg RunConfig) {
	rec.Score, rec.Label = cfg.Scorer.Score(rec)
}

func (c *Coordinator) checkpoint(ctx context.Context, rec *model.Record) error {
	if c.check == nil {
		return nil
	}
	if err := c.check.SaveRecord(context.WithoutCancel(ctx), rec); err != nil {
		return eris.Wrapf(err, "waterfall: checkpoint record %s", rec.ID)
	}
	return nil
}

// interrupted leaves the record resumable after the caller cancelled.
func (c *Coordinator) interrupted(rec *model.Record, cause error) (*Result, error) {
	rec.State = model.StatePending
	rec.StopReason = "interrupted"
	if err := c.checkpoint(context.Background(), rec); err != nil {
		return nil, err
	}
	return nil, eris.Wrapf(cause, "waterfall: record %s interrupted", rec.ID)
}

func (c *Coordinator) finish(ctx context.Context, rec *model.Record, state model.RecordState, reason string) (*Result, error) {
	now := c.now()
	rec.State = state
	rec.StopReason = reason
	rec.UpdatedAt = now
	rec.FinalizedAt = &now
	if err := c.checkpoint(ctx, rec); err != nil {
		return nil, err
	}
	if c.observer != nil {
		c.observer.RecordFinished(state)
	}
	zap.L().Info("waterfall: record finished",
		zap.String("record_id", rec.ID),
		zap.String("state", string(state)),
		zap.String("stop_reason", reason),
		zap.Float64("score", rec.Score),
		zap.String("label", string(rec.Label)),
		zap.Float64("cost_usd", rec.SpendUSD),
		zap.Int("attempts", len(rec.Attempts)),
	)
	return &Result{Record: rec, State: state}, nil
}
