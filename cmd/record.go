package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-waterfall/internal/model"
)

var recordFormat string

var recordCmd = &cobra.Command{
	Use:   "record <id>",
	Short: "Show a record's provenance trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rec, err := st.GetRecord(ctx, args[0])
		if err != nil {
			return err
		}

		trail := model.BuildTrail(rec)
		switch recordFormat {
		case "text":
			_, err = fmt.Fprint(os.Stdout, trail.Format())
			return err
		case "json":
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(trail)
		default:
			return fmt.Errorf("unknown format %q (want text or json)", recordFormat)
		}
	},
}

func init() {
	recordCmd.Flags().StringVar(&recordFormat, "format", "text", "output format: text or json")
	rootCmd.AddCommand(recordCmd)
}
