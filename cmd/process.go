package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/brensch/prismparquet/internal/model"
	"github.com/brensch/prismparquet/internal/orchestrator"

	"github.com/spf13/cobra"
)

// processCmd aggregates mirrored archives without fetching.
var processCmd = &cobra.Command{
	Use:   "process [date...]",
	Short: "Aggregate mirrored rasters into per-date county Parquet files",
	Long: `Walks the raw mirror for dated raster archives and writes one Parquet
file of county means per date. With no arguments every discovered date is
processed; pass explicit date tokens (YYYYMMDD or YYYYMM) to restrict the
batch. Dates whose output file already exists are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var dates []string
		if len(args) > 0 {
			for _, arg := range args {
				if !model.IsDateToken(arg) {
					return fmt.Errorf("invalid date token %q (want YYYYMMDD or YYYYMM)", arg)
				}
			}
			dates = args
		} else {
			var err error
			dates, err = orchestrator.DiscoverDates(cfg)
			if err != nil {
				return err
			}
			if len(dates) == 0 {
				logger.Info("No dated archives found in the raw mirror.", "raw_dir", cfg.RawDir)
				return nil
			}
		}

		logger.Info("Starting date processing...", "dates", len(dates))
		if err := orchestrator.Run(ctx, cfg, getDB(), logger, dates, nil); err != nil {
			logger.Error("Processing completed with errors", "error", err)
			return fmt.Errorf("process failed: %w", err)
		}
		logger.Info("Processing completed successfully.")
		return nil
	},
}
