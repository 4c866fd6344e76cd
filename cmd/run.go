package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/model"
	"github.com/sells-group/prospect-waterfall/internal/pool"
	"github.com/sells-group/prospect-waterfall/internal/resilience"
	"github.com/sells-group/prospect-waterfall/internal/store"
)

var (
	runIDs      []string
	runPending  bool
	runCampaign string
	runLimit    int
	runDrain    bool
)

// runReport is what the run command prints.
type runReport struct {
	Snapshot string            `json:"snapshot"`
	Records  int               `json:"records"`
	States   map[string]int    `json:"states"`
	SpendUSD float64           `json:"spend_usd"`
	Outcomes []pool.Outcome    `json:"outcomes"`
	Drained  []pool.Outcome    `json:"drained,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run records through the waterfall",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if len(runIDs) == 0 && !runPending && !runDrain {
			return eris.New("nothing to run: pass --id, --pending or --drain")
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := selectRecordIDs(ctx, env.Store, runIDs, runPending, runCampaign, runLimit)
		if err != nil {
			return err
		}

		report := runReport{Snapshot: env.Snapshots.Current().Version, States: map[string]int{}}
		if len(ids) > 0 {
			out, err := env.Scheduler.RunBatch(ctx, ids)
			if err != nil {
				return eris.Wrap(err, "run batch")
			}
			report.Outcomes = out
		}
		if runDrain {
			out, err := env.Scheduler.DrainDue(ctx)
			if err != nil {
				return eris.Wrap(err, "drain requeues")
			}
			report.Drained = out
		}
		report.summarize(env.Scheduler.Breakers())

		zap.L().Info("run complete",
			zap.Int("records", report.Records),
			zap.Any("states", report.States),
			zap.Float64("spend_usd", report.SpendUSD),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// recordLister is the store surface selectRecordIDs needs.
type recordLister interface {
	ListRecords(ctx context.Context, filter store.RecordFilter) ([]*model.Record, error)
}

// selectRecordIDs merges explicit ids with pending records, keeping the
// first occurrence of each id.
func selectRecordIDs(ctx context.Context, st recordLister, explicit []string, pending bool, campaign string, limit int) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range explicit {
		add(id)
	}
	if pending {
		recs, err := st.ListRecords(ctx, store.RecordFilter{
			State:      model.StatePending,
			CampaignID: campaign,
			Limit:      limit,
		})
		if err != nil {
			return nil, eris.Wrap(err, "list pending records")
		}
		for _, r := range recs {
			add(r.ID)
		}
	}
	return ids, nil
}

// summarize tallies final states and spend across run and drained outcomes.
func (r *runReport) summarize(breakers map[string]resilience.CircuitState) {
	for _, set := range [][]pool.Outcome{r.Outcomes, r.Drained} {
		for _, o := range set {
			r.Records++
			r.SpendUSD += o.SpendUSD
			switch {
			case o.Error != "":
				r.States["error"]++
			case o.State == "":
				r.States["unknown"]++
			default:
				r.States[string(o.State)]++
			}
		}
	}
	for name, st := range breakers {
		if st == resilience.CircuitClosed {
			continue
		}
		if r.Breakers == nil {
			r.Breakers = make(map[string]string)
		}
		r.Breakers[name] = st.String()
	}
}

func init() {
	runCmd.Flags().StringArrayVar(&runIDs, "id", nil, "record id to run (repeatable)")
	runCmd.Flags().BoolVar(&runPending, "pending", false, "run pending records from the store")
	runCmd.Flags().StringVar(&runCampaign, "campaign", "", "restrict --pending to one campaign")
	runCmd.Flags().IntVar(&runLimit, "limit", 100, "max pending records to run")
	runCmd.Flags().BoolVar(&runDrain, "drain", false, "also run requeued records that are due")
	rootCmd.AddCommand(runCmd)
}
