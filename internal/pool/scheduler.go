// Package pool runs many records' waterfalls concurrently while holding each
// provider to its own rate, independent of the worker count.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/waterfall"
	"github.com/sells-group/prospect-waterfall/internal/waterfall/provider"
)

// ErrRecordBusy means another run owns the record.
var ErrRecordBusy = eris.New("pool: record is already running")

// Store is the persistence the scheduler needs.
type Store interface {
	GetRecord(ctx context.Context, id string) (*model.Record, error)
	SaveRecord(ctx context.Context, rec *model.Record) error
	ClaimRecord(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseRecord(ctx context.Context, id, owner string) error
	EnqueueRequeue(ctx context.Context, e resilience.RequeueEntry) error
	DueRequeues(ctx context.Context, f resilience.RequeueFilter) ([]resilience.RequeueEntry, error)
	RemoveRequeue(ctx context.Context, id string) error
	CampaignPaused(ctx context.Context, campaignID string) (bool, error)
}

// ConfigSource hands out the configuration a run starts with. Runs keep the
// config they started with even if the source changes meanwhile.
type ConfigSource interface {
	RunConfig() (waterfall.RunConfig, error)
}

// Options configures a Scheduler.
type Options struct {
	Workers int
	// InlineRequeues is how many rate-limited requeues a record gets inside
	// one batch before it is parked in the store for the next drain.
	InlineRequeues int
	// MaxRequeues caps the total requeues before the tier is abandoned.
	MaxRequeues int
	// Requeue is the backoff schedule between requeues.
	Requeue resilience.RetryConfig
	// DrainLimit caps entries taken per DrainDue call.
	DrainLimit int
	// ClaimTTL is how long a run lease on a record lasts in the store.
	ClaimTTL time.Duration

	Providers    map[string]Limit
	DefaultLimit Limit
	Breaker      resilience.CircuitBreakerConfig

	// OnCall observes every provider call.
	OnCall func(providerName string, kind resilience.Kind, took time.Duration)
	// OnRequeue observes where a rate-limited record went: "inline",
	// "parked" or "abandoned".
	OnRequeue func(destination string)
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.InlineRequeues < 0 {
		o.InlineRequeues = 0
	}
	if o.DrainLimit <= 0 {
		o.DrainLimit = 500
	}
	if o.Requeue.InitialBackoff <= 0 {
		o.Requeue.InitialBackoff = 2 * time.Second
	}
	if o.Requeue.MaxBackoff <= 0 {
		o.Requeue.MaxBackoff = 5 * time.Minute
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 30 * time.Minute
	}
	return o
}

// Scheduler dispatches provider calls and runs batches of records.
type Scheduler struct {
	opts     Options
	registry *provider.Registry
	store    Store
	source   ConfigSource
	coord    *waterfall.Coordinator
	breakers *resilience.Breakers
	now      func() time.Time

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter

	// owner names this scheduler's leases in the store.
	owner   string
	runMu   sync.Mutex
	running map[string]struct{}
}

// New creates a Scheduler and the Coordinator it drives. The store doubles
// as checkpointer, and campaign pause flags are read from it between tiers.
func New(reg *provider.Registry, st Store, src ConfigSource, l ledger.Ledger, calc *cost.Calculator, opts Options, coordOpts ...waterfall.Option) *Scheduler {
	s := &Scheduler{
		opts:     opts.withDefaults(),
		registry: reg,
		store:    st,
		source:   src,
		breakers: resilience.NewBreakers(opts.Breaker),
		now:      time.Now,
		limiters: make(map[string]*AdaptiveLimiter),
		owner:    uuid.NewString(),
		running:  make(map[string]struct{}),
	}
	base := []waterfall.Option{
		waterfall.WithCheckpointer(st),
		waterfall.WithPauser(campaignPauser{st: st}),
	}
	s.coord = waterfall.NewCoordinator(l, s, calc, append(base, coordOpts...)...)
	return s
}

// Invoke implements waterfall.Invoker. An open breaker is reported as rate
// limiting so the record backs off without being charged.
func (s *Scheduler) Invoke(ctx context.Context, name string, req provider.Request) (*provider.Result, error) {
	adapter := s.registry.Get(name)
	if adapter == nil {
		return nil, provider.Fail(name, resilience.KindFatal, eris.Errorf("pool: unknown provider %q", name))
	}

	lim := s.limiter(name)
	if err := lim.Wait(ctx); err != nil {
		return nil, eris.Wrapf(err, "pool: rate limiter wait for %s", name)
	}

	start := time.Now()
	res, err := resilience.ExecuteVal(ctx, s.breakers.Get(name), func(ctx context.Context) (*provider.Result, error) {
		return adapter.Enrich(ctx, req)
	})
	kind := resilience.KindOf(err)
	if s.opts.OnCall != nil {
		s.opts.OnCall(name, kind, time.Since(start))
	}

	switch {
	case err == nil:
		lim.OnSuccess()
		return res, nil
	case kind == resilience.KindRateLimited:
		lim.OnRateLimit()
	}
	return nil, err
}

// Breakers exposes the per-provider circuit states.
func (s *Scheduler) Breakers() map[string]resilience.CircuitState {
	return s.breakers.States()
}

func (s *Scheduler) limiter(name string) *AdaptiveLimiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lim, ok := s.limiters[name]; ok {
		return lim
	}
	l, ok := s.opts.Providers[name]
	if !ok {
		l = s.opts.DefaultLimit
	}
	lim := NewAdaptiveLimiter(name, l)
	s.limiters[name] = lim
	return lim
}

// Outcome summarizes one record of a batch.
type Outcome struct {
	RecordID string            `json:"record_id"`
	State    model.RecordState `json:"state,omitempty"`
	Score    float64           `json:"score"`
	Label    model.Label       `json:"label,omitempty"`
	SpendUSD float64           `json:"spend_usd"`
	Requeues int               `json:"requeues"`
	// Busy is set when another run owned the record and this one skipped it.
	Busy  bool   `json:"busy,omitempty"`
	Error string `json:"error,omitempty"`
}

// RunBatch runs the given records with bounded concurrency. A failing record
// never aborts the batch; its error is reported in its Outcome.
func (s *Scheduler) RunBatch(ctx context.Context, ids []string) ([]Outcome, error) {
	return s.runBatch(ctx, ids, nil)
}

func (s *Scheduler) runBatch(ctx context.Context, ids []string, abandon map[string]resilience.RequeueEntry) ([]Outcome, error) {
	out := make([]Outcome, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	zap.L().Info("pool: processing batch",
		zap.Int("records", len(ids)),
		zap.Int("workers", s.opts.Workers),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)

	for i, id := range ids {
		g.Go(func() error {
			var give *resilience.RequeueEntry
			if e, ok := abandon[id]; ok {
				give = &e
			}
			rec, err := s.process(gctx, id, give)
			o := Outcome{RecordID: id}
			if rec != nil {
				o.State = rec.State
				o.Score = rec.Score
				o.Label = rec.Label
				o.SpendUSD = rec.SpendUSD
				o.Requeues = rec.Requeues
			}
			switch {
			case errors.Is(err, ErrRecordBusy):
				o.Busy = true
				o.Error = err.Error()
				zap.L().Info("pool: record skipped, already running", zap.String("record_id", id))
			case err != nil:
				o.Error = err.Error()
				zap.L().Error("pool: record failed", zap.String("record_id", id), zap.Error(err))
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, eris.Wrap(err, "pool: batch")
	}
	return out, ctx.Err()
}

// process runs one record to a terminal or parked state. The record is
// owned by this call from claim to release, inline requeues included.
func (s *Scheduler) process(ctx context.Context, id string, abandon *resilience.RequeueEntry) (*model.Record, error) {
	release, err := s.claim(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	rec, err := s.store.GetRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "pool: load record %s", id)
	}
	cfg, err := s.source.RunConfig()
	if err != nil {
		return rec, eris.Wrap(err, "pool: run config")
	}

	if abandon != nil {
		if tier, ok := cfg.Plan.Tier(abandon.TierID); ok && rec.Outcome(tier.ID) == model.OutcomePending {
			waterfall.Abandon(rec, tier,
				fmt.Sprintf("provider %s still rate limited after %d requeues", tier.Provider, abandon.Count), s.now())
			s.requeued("abandoned")
		}
	}

	for {
		res, err := s.coord.Run(ctx, rec, cfg)
		if err != nil {
			return rec, err
		}
		if !res.Requeue {
			return rec, nil
		}

		rec.Requeues++
		exhausted := s.opts.MaxRequeues > 0 && rec.Requeues >= s.opts.MaxRequeues
		if exhausted || rec.Requeues > s.opts.InlineRequeues {
			return rec, s.park(ctx, rec, res, cfg)
		}

		delay := resilience.Backoff(rec.Requeues-1, s.opts.Requeue)
		s.requeued("inline")
		zap.L().Debug("pool: requeue in place",
			zap.String("record_id", rec.ID),
			zap.String("tier", res.RequeueTier),
			zap.Int("requeues", rec.Requeues),
			zap.Duration("delay", delay),
		)
		if err := s.sleep(ctx, delay); err != nil {
			return rec, s.park(context.WithoutCancel(ctx), rec, res, cfg)
		}
	}
}

// claim makes this call the only run of id, first within the process and
// then across processes through a lease in the store.
func (s *Scheduler) claim(ctx context.Context, id string) (func(), error) {
	s.runMu.Lock()
	if _, ok := s.running[id]; ok {
		s.runMu.Unlock()
		return nil, eris.Wrapf(ErrRecordBusy, "pool: record %s", id)
	}
	s.running[id] = struct{}{}
	s.runMu.Unlock()

	done := func() {
		s.runMu.Lock()
		delete(s.running, id)
		s.runMu.Unlock()
	}

	ok, err := s.store.ClaimRecord(ctx, id, s.owner, s.now(), s.opts.ClaimTTL)
	if err != nil {
		done()
		return nil, eris.Wrapf(err, "pool: claim record %s", id)
	}
	if !ok {
		done()
		return nil, eris.Wrapf(ErrRecordBusy, "pool: record %s is leased by another process", id)
	}

	return func() {
		if err := s.store.ReleaseRecord(context.WithoutCancel(ctx), id, s.owner); err != nil {
			zap.L().Warn("pool: release record lease", zap.String("record_id", id), zap.Error(err))
		}
		done()
	}, nil
}

// park persists a requeue entry for the next drain.
func (s *Scheduler) park(ctx context.Context, rec *model.Record, res *waterfall.Result, cfg waterfall.RunConfig) error {
	now := s.now()
	tier, _ := cfg.Plan.Tier(res.RequeueTier)
	e := resilience.RequeueEntry{
		ID:             uuid.NewString(),
		RecordID:       rec.ID,
		TierID:         res.RequeueTier,
		Provider:       tier.Provider,
		Reason:         res.RequeueReason,
		Count:          rec.Requeues,
		MaxRequeues:    s.opts.MaxRequeues,
		NextAttemptAt:  resilience.NextRequeueAt(now, rec.Requeues-1, s.opts.Requeue),
		CreatedAt:      now,
		LastRequeuedAt: now,
	}
	if err := s.store.SaveRecord(ctx, rec); err != nil {
		return eris.Wrapf(err, "pool: save requeued record %s", rec.ID)
	}
	if err := s.store.EnqueueRequeue(ctx, e); err != nil {
		return eris.Wrapf(err, "pool: enqueue requeue for %s", rec.ID)
	}
	s.requeued("parked")
	zap.L().Info("pool: record parked for requeue",
		zap.String("record_id", rec.ID),
		zap.String("tier", e.TierID),
		zap.String("provider", e.Provider),
		zap.Int("requeues", e.Count),
		zap.Time("next_attempt_at", e.NextAttemptAt),
	)
	return nil
}

// DrainDue runs every parked record whose requeue time has passed. Records
// past their requeue budget have the rate-limited tier abandoned first so
// the waterfall moves on.
func (s *Scheduler) DrainDue(ctx context.Context) ([]Outcome, error) {
	entries, err := s.store.DueRequeues(ctx, resilience.RequeueFilter{DueBefore: s.now(), Limit: s.opts.DrainLimit})
	if err != nil {
		return nil, eris.Wrap(err, "pool: read due requeues")
	}
	if len(entries) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(entries))
	abandon := make(map[string]resilience.RequeueEntry)
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if err := s.store.RemoveRequeue(ctx, e.ID); err != nil {
			return nil, eris.Wrapf(err, "pool: remove requeue %s", e.ID)
		}
		if seen[e.RecordID] {
			continue
		}
		seen[e.RecordID] = true
		ids = append(ids, e.RecordID)
		if !e.CanRetry() {
			abandon[e.RecordID] = e
		}
	}
	return s.runBatch(ctx, ids, abandon)
}

func (s *Scheduler) requeued(destination string) {
	if s.opts.OnRequeue != nil {
		s.opts.OnRequeue(destination)
	}
}

type campaignPauser struct {
	st Store
}

func (p campaignPauser) Paused(ctx context.Context, rec *model.Record) bool {
	if rec.CampaignID == "" {
		return false
	}
	paused, err := p.st.CampaignPaused(ctx, rec.CampaignID)
	if err != nil {
		zap.L().Warn("pool: read campaign pause flag",
			zap.String("record_id", rec.ID),
			zap.String("campaign_id", rec.CampaignID),
			zap.Error(err),
		)
		return false
	}
	return paused
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if s.opts.Requeue.Sleep != nil {
		return s.opts.Requeue.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
