package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/config"
	"github.com/sells-group/prospect-waterfall/internal/pool"
)

type requeueDrainer interface {
	DrainDue(ctx context.Context) ([]pool.Outcome, error)
}

type reservationSweeper interface {
	SweepExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// newJobs builds the cron runner for background maintenance. An empty spec
// disables its job. Runs of the same job never overlap.
func newJobs(ctx context.Context, d requeueDrainer, s reservationSweeper, sc config.ScheduleConfig, ttl time.Duration) (*cron.Cron, error) {
	c := cron.New()
	chain := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger))

	add := func(name, spec string, fn func()) error {
		if spec == "" {
			zap.L().Info("scheduled job disabled", zap.String("job", name))
			return nil
		}
		schedule, err := cron.ParseStandard(spec)
		if err != nil {
			return eris.Wrapf(err, "schedule %s: invalid spec %q", name, spec)
		}
		c.Schedule(schedule, chain.Then(cron.FuncJob(fn)))
		zap.L().Info("scheduled job", zap.String("job", name), zap.String("spec", spec))
		return nil
	}

	if err := add("drain_requeues", sc.DrainRequeues, func() { drainRequeues(ctx, d) }); err != nil {
		return nil, err
	}
	if err := add("sweep_reservations", sc.SweepReservation, func() { sweepReservations(ctx, s, ttl) }); err != nil {
		return nil, err
	}
	return c, nil
}

func drainRequeues(ctx context.Context, d requeueDrainer) {
	if ctx.Err() != nil {
		return
	}
	out, err := d.DrainDue(ctx)
	if err != nil {
		zap.L().Error("drain requeues failed", zap.Error(err))
		return
	}
	if len(out) > 0 {
		zap.L().Info("drained requeues", zap.Int("records", len(out)))
	}
}

func sweepReservations(ctx context.Context, s reservationSweeper, ttl time.Duration) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.SweepExpired(ctx, ttl)
	if err != nil {
		zap.L().Error("sweep reservations failed", zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Warn("released expired reservations", zap.Int("count", n), zap.Duration("ttl", ttl))
	}
}
