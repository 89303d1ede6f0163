package cmd

import (
	"github.com/brensch/prismparquet/internal/inspector"

	"github.com/spf13/cobra"
)

// inspectCmd summarizes the generated outputs.
var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Summarize the generated county Parquet files",
	Long: `Reads every prism_<date>.parquet file in the clean directory through
DuckDB and prints the schema, per-date region counts, and per-variable
value ranges.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		if err := inspector.InspectParquet(getConfig(), logger); err != nil {
			logger.Error("Inspection failed", "error", err)
			return err
		}
		return nil
	},
}
