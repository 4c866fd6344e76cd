package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-waterfall/internal/ledger"
	"github.com/sells-group/prospect-waterfall/internal/snapshot"
	"github.com/sells-group/prospect-waterfall/internal/store"
)

var (
	ledgerKind       string
	ledgerID         string
	ledgerSinceHours int
	ledgerLimit      int
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the spend ledger",
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show cap, committed, reserved and remaining spend for one scope",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		scope, err := ledger.ParseScope(ledgerKind + ":" + ledgerID)
		if err != nil {
			return err
		}

		snap, err := snapshot.Load(cfg.Snapshot.Path)
		if err != nil {
			return err
		}
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		l, err := initLedger(ctx, st, snap.Budgets)
		if err != nil {
			return err
		}
		b, err := l.Balance(ctx, scope)
		if err != nil {
			return eris.Wrap(err, "read balance")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	},
}

var ledgerChargesCmd = &cobra.Command{
	Use:   "charges",
	Short: "List committed charges",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter := store.ChargeFilter{Limit: ledgerLimit}
		if ledgerKind != "" || ledgerID != "" {
			scope, err := ledger.ParseScope(ledgerKind + ":" + ledgerID)
			if err != nil {
				return err
			}
			filter.ScopeKey = scope.Key()
		}
		if ledgerSinceHours > 0 {
			filter.Since = time.Now().Add(-time.Duration(ledgerSinceHours) * time.Hour)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListCharges(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "list charges")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

func init() {
	for _, c := range []*cobra.Command{ledgerBalanceCmd, ledgerChargesCmd} {
		c.Flags().StringVar(&ledgerKind, "kind", "", "scope kind: record, client, org or day")
		c.Flags().StringVar(&ledgerID, "id", "", "scope id")
	}
	_ = ledgerBalanceCmd.MarkFlagRequired("kind")
	_ = ledgerBalanceCmd.MarkFlagRequired("id")
	ledgerChargesCmd.Flags().IntVar(&ledgerSinceHours, "hours", 0, "only charges from the last N hours")
	ledgerChargesCmd.Flags().IntVar(&ledgerLimit, "limit", 0, "max charges to list")

	ledgerCmd.AddCommand(ledgerBalanceCmd, ledgerChargesCmd)
	rootCmd.AddCommand(ledgerCmd)
}
