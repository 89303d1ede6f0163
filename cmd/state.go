package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/brensch/prismparquet/internal/db"

	"github.com/spf13/cobra"
)

var stateLimit int
var stateFilterEvent string

// stateCmd displays the event log history.
var stateCmd = &cobra.Command{
	Use:   "state [kind]",
	Short: "View the event log history for archives or dates",
	Long: `Queries the DuckDB event log and displays the recorded history.
Specify 'archives' or 'dates' as an optional argument to filter by subject
kind. Use flags to filter by event type and limit the output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		kindFilter := ""
		if len(args) > 0 {
			switch strings.ToLower(args[0]) {
			case "archives", "archive":
				kindFilter = db.KindArchive
			case "dates", "date":
				kindFilter = db.KindDate
			default:
				return fmt.Errorf("invalid kind filter: %s (use 'archives' or 'dates')", args[0])
			}
		}

		logger.Info("Querying database event log", "kind_filter", kindFilter, "event_filter", stateFilterEvent, "limit", stateLimit)
		if err := db.DisplayHistory(context.Background(), getDB(), kindFilter, stateFilterEvent, stateLimit); err != nil {
			logger.Error("Failed to display state history", "error", err)
			return err
		}
		return nil
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of log records displayed")
	stateCmd.Flags().StringVarP(&stateFilterEvent, "event", "e", "", "Filter records by event type (e.g. fetch_end, error, process_end)")
}
