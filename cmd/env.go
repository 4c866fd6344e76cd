package main

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/config"
	"github.com/sells-group/prospect-waterfall/internal/cost"
	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/metrics"
	"github.com/sells-group/prospect-waterfall/internal/pool"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/snapshot"
	"github.com/sells-group/prospect-waterfall/internal/store"
	"github.com/sells-group/prospect-waterfall/internal/waterfall"
	"github.com/sells-group/prospect-waterfall/internal/waterfall/provider"
	anthropicpkg "github.com/sells-group/prospect-waterfall/pkg/anthropic"
)

// engineEnv holds the store, ledger, snapshot holder and scheduler needed by
// the run and serve commands.
type engineEnv struct {
	Store     store.Store
	Ledger    ledger.Ledger
	Snapshots *snapshot.Holder
	Scheduler *pool.Scheduler
}

// Close releases resources held by the engine environment.
func (e *engineEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "waterfall.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openStore initializes and migrates the store. Callers close it.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initLedger picks the ledger for the store backend. Postgres deployments
// share one ledger across processes; sqlite keeps balances in memory and
// journals commits to the store, replaying them at startup.
func initLedger(ctx context.Context, st store.Store, p ledger.Policy) (ledger.Ledger, error) {
	if ps, ok := st.(*store.PostgresStore); ok {
		l, err := ledger.NewPostgres(ps.Pool(), p)
		if err != nil {
			return nil, err
		}
		if err := l.Migrate(ctx); err != nil {
			return nil, eris.Wrap(err, "migrate ledger")
		}
		return l, nil
	}

	l, err := ledger.NewMemory(p, ledger.WithJournal(st))
	if err != nil {
		return nil, err
	}
	charges, err := st.ListCharges(ctx, store.ChargeFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "load ledger journal")
	}
	l.Restore(charges)
	return l, nil
}

func buildCalculator(c config.PricingConfig) *cost.Calculator {
	if len(c.Anthropic) == 0 {
		return cost.NewCalculator(cost.DefaultRates())
	}
	rates := make(cost.Rates, len(c.Anthropic))
	for model, p := range c.Anthropic {
		rates[model] = cost.ModelRate{
			Input:         p.Input,
			Output:        p.Output,
			CacheWriteMul: p.CacheWriteMul,
			CacheReadMul:  p.CacheReadMul,
		}
	}
	return cost.NewCalculator(rates)
}

// buildRegistry registers one adapter per configured provider.
func buildRegistry(calc *cost.Calculator) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	var claude anthropicpkg.Client
	for _, name := range names {
		pc := cfg.Providers[name]
		switch pc.Kind {
		case "http":
			reg.Register(provider.NewHTTPAdapter(provider.HTTPOptions{
				Name:    name,
				URL:     pc.URL,
				APIKey:  pc.APIKey,
				Timeout: pc.Timeout,
			}))
		case "reasoning":
			if claude == nil {
				claude = anthropicpkg.NewClient(cfg.Anthropic.Key)
			}
			model := pc.Model
			if model == "" {
				model = cfg.Anthropic.Model
			}
			maxTokens := pc.MaxTokens
			if maxTokens <= 0 {
				maxTokens = cfg.Anthropic.MaxTokens
			}
			reg.Register(provider.NewReasoning(claude, calc, provider.ReasoningOptions{
				Name:      name,
				Model:     model,
				MaxTokens: int64(maxTokens),
			}))
		default:
			return nil, eris.Errorf("provider %s: unsupported kind %q", name, pc.Kind)
		}
		zap.L().Debug("registered provider", zap.String("provider", name), zap.String("kind", pc.Kind))
	}
	return reg, nil
}

func retryConfig(c config.RetryConfig) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    c.MaxAttempts,
		InitialBackoff: c.InitialBackoff,
		MaxBackoff:     c.MaxBackoff,
		Multiplier:     c.Multiplier,
		JitterFraction: c.Jitter,
	}
}

func poolOptions() pool.Options {
	limits := make(map[string]pool.Limit, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		if pc.RPS > 0 {
			limits[name] = pool.Limit{RPS: pc.RPS, Burst: pc.Burst}
		}
	}
	breaker := resilience.FromCircuitConfig(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout)
	breaker.OnStateChange = metrics.ObserveBreaker
	return pool.Options{
		Workers:        cfg.Engine.Workers,
		InlineRequeues: cfg.Engine.InlineRequeues,
		MaxRequeues:    cfg.Engine.MaxRequeues,
		Requeue: resilience.RetryConfig{
			InitialBackoff: cfg.Engine.RequeueBackoff,
			MaxBackoff:     cfg.Engine.RequeueMax,
			Multiplier:     2,
			JitterFraction: cfg.Retry.Jitter,
		},
		DrainLimit: cfg.Engine.DrainLimit,
		ClaimTTL:   cfg.Engine.ReservationTTL,
		Providers:  limits,
		Breaker:    breaker,
		OnCall:     metrics.ObserveProviderCall,
		OnRequeue:  metrics.ObserveRequeue,
	}
}

// initEngine validates config, opens the store, activates the snapshot and
// builds the scheduler. Callers should defer env.Close().
func initEngine(ctx context.Context) (*engineEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	metrics.Init()

	snap, err := snapshot.Load(cfg.Snapshot.Path)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &engineEnv{Store: st}

	l, err := initLedger(ctx, st, snap.Budgets)
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Ledger = l

	env.Snapshots = snapshot.NewHolder(retryConfig(cfg.Retry),
		snapshot.WithPersister(st),
		snapshot.WithPolicySetter(l),
		snapshot.WithLeaseTTL(cfg.Engine.ReservationTTL),
	)
	if err := env.Snapshots.Swap(ctx, snap); err != nil {
		env.Close()
		return nil, err
	}

	calc := buildCalculator(cfg.Pricing)
	reg, err := buildRegistry(calc)
	if err != nil {
		env.Close()
		return nil, err
	}
	if err := checkProviders(reg, snap); err != nil {
		env.Close()
		return nil, err
	}

	env.Scheduler = pool.New(reg, st, env.Snapshots, l, calc, poolOptions(),
		waterfall.WithObserver(metrics.Observer{}),
	)

	zap.L().Info("engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.String("snapshot", snap.Version),
		zap.Strings("providers", reg.List()),
		zap.Int("workers", cfg.Engine.Workers),
	)
	return env, nil
}

// checkProviders fails fast when a tier names a provider nothing registered.
func checkProviders(reg *provider.Registry, snap *snapshot.Snapshot) error {
	var missing []string
	for _, t := range snap.Plan.Tiers {
		if reg.Get(t.Provider) == nil {
			missing = append(missing, t.ID+" -> "+t.Provider)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("snapshot %s references unconfigured providers: %v", snap.Version, missing)
	}
	return nil
}
