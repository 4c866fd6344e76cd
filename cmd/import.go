package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-waterfall/internal/intake"
)

var (
	importFile       string
	importClientID   string
	importOrgID      string
	importCampaignID string
	importExpected   []string
	importSheet      string
	importSheetIndex int
	importDryRun     bool
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import prospect records from JSON, CSV or XLSX as pending",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if importFile == "" {
			return eris.New("import file is required (--file)")
		}

		recs, err := intake.Load(importFile, intake.Options{
			ClientID:   importClientID,
			OrgID:      importOrgID,
			CampaignID: importCampaignID,
			Expected:   importExpected,
			SheetName:  importSheet,
			SheetIndex: importSheetIndex,
		})
		if err != nil {
			return eris.Wrap(err, "read import file")
		}

		if importDryRun {
			zap.L().Info("import dry run", zap.Int("records", len(recs)), zap.String("file", importFile))
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		saved, err := st.SaveRecords(ctx, recs)
		if err != nil {
			return eris.Wrap(err, "save records")
		}

		zap.L().Info("import complete",
			zap.Int("saved", saved),
			zap.String("file", importFile),
			zap.String("campaign_id", importCampaignID),
		)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importFile, "file", "", "path to a .json, .jsonl, .csv or .xlsx file (required)")
	importCmd.Flags().StringVar(&importClientID, "client", "", "client id for rows without one")
	importCmd.Flags().StringVar(&importOrgID, "org", "", "org id for rows without one")
	importCmd.Flags().StringVar(&importCampaignID, "campaign", "", "campaign id for rows without one")
	importCmd.Flags().StringSliceVar(&importExpected, "expected", nil, "fields completeness is measured against")
	importCmd.Flags().StringVar(&importSheet, "sheet", "", "xlsx sheet name")
	importCmd.Flags().IntVar(&importSheetIndex, "sheet-index", 0, "xlsx sheet index when --sheet is not set")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "parse and validate without saving")
	_ = importCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(importCmd)
}
