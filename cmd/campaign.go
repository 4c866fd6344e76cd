package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Pause or resume a campaign",
}

func campaignToggle(use, short string, paused bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <campaign-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			if err := st.SetCampaignPaused(ctx, args[0], paused); err != nil {
				return err
			}
			zap.L().Info("campaign updated", zap.String("campaign_id", args[0]), zap.Bool("paused", paused))
			return nil
		},
	}
}

func init() {
	campaignCmd.AddCommand(
		campaignToggle("pause", "Stop records in a campaign at the next tier boundary", true),
		campaignToggle("resume", "Let paused records in a campaign continue", false),
	)
	rootCmd.AddCommand(campaignCmd)
}
