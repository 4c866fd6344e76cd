package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/monitoring"
)

var (
	statusHours int
	statusAlert bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize record states, spend and requeue depth",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		mcfg := cfg.Monitoring
		if statusHours > 0 {
			mcfg.LookbackWindowHours = statusHours
		}
		collector := monitoring.NewCollector(st)
		snap, err := collector.Collect(ctx, mcfg.LookbackWindowHours)
		if err != nil {
			return err
		}

		if statusAlert {
			alerts, err := monitoring.NewChecker(collector, monitoring.NewAlerter(mcfg), mcfg).Check(ctx)
			if err != nil {
				zap.L().Error("alert delivery failed", zap.Error(err))
			}
			zap.L().Info("alerts evaluated", zap.Int("alerts", len(alerts)))
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusHours, "hours", 0, "lookback window in hours (default from config)")
	statusCmd.Flags().BoolVar(&statusAlert, "alert", false, "evaluate alert thresholds and send webhooks")
	rootCmd.AddCommand(statusCmd)
}
