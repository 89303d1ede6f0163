package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/brensch/prismparquet/internal/downloader"

	"github.com/spf13/cobra"
)

// fetchCmd mirrors archives without processing them.
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Mirror raster archives from the PRISM server",
	Long: `Scrapes the PRISM index pages for every configured variable, timestep,
and year, and downloads any archive not already present in the raw
directory. The mirror is add-only: existing archives are never touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting archive fetch...")
		if err := downloader.FetchAll(ctx, cfg, getDB(), logger); err != nil {
			logger.Error("Fetch completed with errors", "error", err)
			return fmt.Errorf("fetch failed: %w", err)
		}
		logger.Info("Fetch completed successfully.")
		return nil
	},
}
