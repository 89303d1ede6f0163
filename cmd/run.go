package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/brensch/prismparquet/internal/app"
	"github.com/brensch/prismparquet/internal/downloader"
	"github.com/brensch/prismparquet/internal/orchestrator"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

var (
	runSkipFetch bool
	runTUI       bool
)

// runCmd performs the full fetch and process workflow.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full fetch and process workflow",
	Long: `Performs the complete data pipeline:
1. Mirrors missing raster archives from the PRISM server into the raw directory.
2. Discovers every date present in the mirror (subject to variable/timestep/year filters).
3. Concurrently aggregates each date's rasters to county means and writes one Parquet file per date.
Dates whose output file already exists are skipped, so re-running resumes where the last run stopped.
Use --skip-fetch to process the existing mirror without hitting the network.
Use --tui for the interactive terminal interface instead of plain logs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		dbConn := getDB()
		cfg := getConfig()

		if runTUI {
			model := app.NewAppModel(cfg, dbConn, logger)
			p := tea.NewProgram(model, tea.WithAltScreen())
			if _, err := p.Run(); err != nil {
				return fmt.Errorf("tui failed: %w", err)
			}
			return model.FatalErr
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var finalErr error
		if !runSkipFetch {
			logger.Info("Starting fetch phase...")
			if err := downloader.FetchAll(ctx, cfg, dbConn, logger); err != nil {
				logger.Error("Fetch phase completed with errors", "error", err)
				finalErr = errors.Join(finalErr, err)
			}
			if ctx.Err() != nil {
				return errors.Join(finalErr, ctx.Err())
			}
		}

		logger.Info("Starting process phase...")
		dates, err := orchestrator.DiscoverDates(cfg)
		if err != nil {
			return errors.Join(finalErr, err)
		}
		if err := orchestrator.Run(ctx, cfg, dbConn, logger, dates, nil); err != nil {
			logger.Error("Process phase completed with errors", "error", err)
			finalErr = errors.Join(finalErr, err)
		}

		if finalErr != nil {
			return fmt.Errorf("run workflow failed: %w", finalErr)
		}
		logger.Info("Run workflow completed successfully.")
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runSkipFetch, "skip-fetch", false, "Process the existing mirror without downloading anything.")
	runCmd.Flags().BoolVar(&runTUI, "tui", false, "Use the interactive terminal interface.")
}
