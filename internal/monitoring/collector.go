package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Record metrics (records updated within the lookback window).
	RecordsTotal    int                       `json:"records_total"`
	RecordsByState  map[model.RecordState]int `json:"records_by_state"`
	RecordsByLabel  map[model.Label]int       `json:"records_by_label"`
	Finished        int                       `json:"finished"`
	Failed          int                       `json:"failed"`
	FailRate        float64                   `json:"fail_rate"`
	AvgScore        float64                   `json:"avg_score"`
	SkippedGate     int                       `json:"skipped_gate"`
	SkippedBudget   int                       `json:"skipped_budget"`
	ProviderFailure int                       `json:"provider_failures"`

	// Spend committed within the window, counted once per charge.
	SpendUSD float64 `json:"spend_usd"`
	Charges  int     `json:"charges"`

	// Parked requeue depth.
	RequeueDepth int `json:"requeue_depth"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Source is the read side of the store the collector needs.
type Source interface {
	ListRecords(ctx context.Context, filter store.RecordFilter) ([]*model.Record, error)
	ListCharges(ctx context.Context, filter store.ChargeFilter) ([]model.LedgerEntry, error)
	CountRequeues(ctx context.Context) (int, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Source
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Source) *Collector {
	return &Collector{store: st, now: time.Now}
}

const collectLimit = 10000

// Collect gathers a snapshot of engine metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		RecordsByState: make(map[model.RecordState]int),
		RecordsByLabel: make(map[model.Label]int),
		LookbackHours:  lookbackHours,
		CollectedAt:    now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	recs, err := c.store.ListRecords(ctx, store.RecordFilter{UpdatedAfter: cutoff, Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list records")
	}

	snap.RecordsTotal = len(recs)
	var totalScore float64
	for _, r := range recs {
		snap.RecordsByState[r.State]++
		if r.State.Terminal() {
			snap.Finished++
			snap.RecordsByLabel[r.Label]++
			totalScore += r.Score
			if r.State == model.StateAborted || r.State == model.StateTimedOut {
				snap.Failed++
			}
		}
		for _, a := range r.Attempts {
			switch a.Outcome {
			case model.OutcomeSkippedGate:
				snap.SkippedGate++
			case model.OutcomeSkippedBudget:
				snap.SkippedBudget++
			case model.OutcomeFailureRetryable, model.OutcomeFailureTerminal:
				snap.ProviderFailure++
			}
		}
	}
	if snap.Finished > 0 {
		snap.FailRate = float64(snap.Failed) / float64(snap.Finished)
		snap.AvgScore = totalScore / float64(snap.Finished)
	}

	entries, err := c.store.ListCharges(ctx, store.ChargeFilter{Since: cutoff})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list charges")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.ChargeID] {
			continue
		}
		seen[e.ChargeID] = true
		snap.SpendUSD += e.AmountUSD
		snap.Charges++
	}

	depth, err := c.store.CountRequeues(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count requeues")
	}
	snap.RequeueDepth = depth

	return snap, nil
}
