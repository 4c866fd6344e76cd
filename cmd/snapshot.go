package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-waterfall/internal/snapshot"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Validate and inspect configuration snapshots",
}

// snapshotSummary is the printable shape of a validated snapshot.
type snapshotSummary struct {
	Version        string        `json:"version"`
	PlanVersion    string        `json:"plan_version"`
	WeightsVersion string        `json:"weights_version"`
	BudgetsVersion string        `json:"budgets_version"`
	RuleSets       []string      `json:"rulesets"`
	Tiers          []tierSummary `json:"tiers"`
}

type tierSummary struct {
	ID       string   `json:"id"`
	Rank     int      `json:"rank"`
	Provider string   `json:"provider"`
	Free     bool     `json:"free"`
	Gate     string   `json:"gate,omitempty"`
	Fields   []string `json:"fields"`
}

func summarizeSnapshot(s *snapshot.Snapshot) snapshotSummary {
	out := snapshotSummary{
		Version:        s.Version,
		PlanVersion:    s.Plan.Version,
		WeightsVersion: s.Weights.Version,
		BudgetsVersion: s.Budgets.Version,
		RuleSets:       s.Book().Names(),
	}
	for _, t := range s.Plan.Tiers {
		out.Tiers = append(out.Tiers, tierSummary{
			ID:       t.ID,
			Rank:     t.Rank,
			Provider: t.Provider,
			Free:     t.Pricing.Free(),
			Gate:     t.Gate,
			Fields:   t.Fields,
		})
	}
	return out
}

var snapshotCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a snapshot file without activating it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfg.Snapshot.Path
		if len(args) == 1 {
			path = args[0]
		}
		s, err := snapshot.Load(path)
		if err != nil {
			return err
		}
		if err := s.CheckLeases(cfg.Engine.ReservationTTL); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summarizeSnapshot(s))
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <version>",
	Short: "Print a previously activated snapshot by version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.GetSnapshot(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "load snapshot %s", args[0])
		}
		_, err = os.Stdout.Write(snap.Body)
		return err
	},
}

func init() {
	snapshotCmd.AddCommand(snapshotCheckCmd, snapshotShowCmd)
	rootCmd.AddCommand(snapshotCmd)
}
