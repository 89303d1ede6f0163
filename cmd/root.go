package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brensch/prismparquet/internal/config"
	"github.com/brensch/prismparquet/internal/db"
	"github.com/brensch/prismparquet/internal/model"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
	"github.com/spf13/cobra"
)

var (
	// Config flags - bound in init()
	rawDir       string
	cleanDir     string
	boundaryPath string
	dbPath       string
	workers      int
	baseURL      string
	variables    []string
	timesteps    []string
	years        []int
	logFormat    string
	logLevel     string
	logOutput    string

	// Global instances populated in PersistentPreRunE
	rootLogger *slog.Logger
	dbConn     *sql.DB
	appConfig  *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "prismparquet",
	Short: "Mirror PRISM climate rasters and aggregate them to county-level Parquet.",
	Long: `PrismParquet mirrors zipped PRISM climate rasters, computes the mean of
each variable per US county, and writes one Parquet file per date. A DuckDB
database tracks fetch and processing event history.

The primary command is 'run', which fetches missing archives and then
processes every date found in the mirror. Other commands run the phases
separately, inspect the outputs, or display state history.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Initialize Logger ---
		var level slog.Level
		switch strings.ToLower(logLevel) {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			level = slog.LevelInfo
		}

		var logWriter io.Writer = os.Stderr
		if logOutput != "" && strings.ToLower(logOutput) != "stderr" {
			if strings.ToLower(logOutput) == "stdout" {
				logWriter = os.Stdout
			} else {
				f, err := os.OpenFile(logOutput, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
				if err != nil {
					return fmt.Errorf("failed to open log file %s: %w", logOutput, err)
				}
				logWriter = f
			}
		}

		opts := &slog.HandlerOptions{Level: level}
		var handler slog.Handler
		if logFormat == "json" {
			handler = slog.NewJSONHandler(logWriter, opts)
		} else {
			handler = slog.NewTextHandler(logWriter, opts)
		}
		rootLogger = slog.New(handler)
		slog.SetDefault(rootLogger)
		rootLogger.Info("Logger initialized", "level", level.String(), "format", logFormat, "output", logOutput)

		// --- 2. Load/Validate Config (from flags) ---
		appConfig = &config.Config{
			RawDir:       rawDir,
			CleanDir:     cleanDir,
			BoundaryPath: boundaryPath,
			DbPath:       dbPath,
			NumWorkers:   workers,
			BaseURL:      baseURL,
			Variables:    variables,
			TimeSteps:    timesteps,
			Years:        years,
		}
		rootLogger.Debug("Configuration loaded", slog.Any("config", appConfig))

		if appConfig.RawDir == "" || appConfig.CleanDir == "" || appConfig.DbPath == "" {
			return fmt.Errorf("--raw-dir, --clean-dir, and --db-path flags are required")
		}
		if appConfig.NumWorkers < 1 {
			appConfig.NumWorkers = 1
		}
		for _, v := range appConfig.Variables {
			if !model.IsKnownVariable(v) {
				rootLogger.Warn("Unrecognized variable selection; continuing anyway.", slog.String("variable", v))
			}
		}
		for _, ts := range appConfig.TimeSteps {
			if !model.IsKnownTimeStep(ts) {
				return fmt.Errorf("invalid timestep %q (use daily or monthly)", ts)
			}
		}

		for _, d := range []string{appConfig.RawDir, appConfig.CleanDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", d, err)
			}
		}
		if appConfig.DbPath != ":memory:" {
			dbDir := filepath.Dir(appConfig.DbPath)
			if err := os.MkdirAll(dbDir, 0o755); err != nil {
				return fmt.Errorf("failed to create database directory %s: %w", dbDir, err)
			}
		}

		// --- 3. Initialize DuckDB Connection & Schema ---
		rootLogger.Info("Initializing DuckDB connection", "path", appConfig.DbPath)
		var err error
		dbConn, err = sql.Open("duckdb", appConfig.DbPath)
		if err != nil {
			return fmt.Errorf("failed to open duckdb database (%s): %w", appConfig.DbPath, err)
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = dbConn.PingContext(pingCtx); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to ping duckdb database (%s): %w", appConfig.DbPath, err)
		}
		if err := db.InitializeSchema(dbConn); err != nil {
			dbConn.Close()
			return fmt.Errorf("failed to initialize database schema: %w", err)
		}
		rootLogger.Info("Database schema initialized successfully.")

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if dbConn != nil {
			rootLogger.Info("Closing DuckDB connection.")
			if err := dbConn.Close(); err != nil {
				rootLogger.Error("Failed to close DuckDB connection cleanly", "error", err)
			}
		}
		return nil
	},
}

// Execute adds all child commands to the root command and runs it. Called
// by main.main().
func Execute() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(stateCmd)

	if err := rootCmd.Execute(); err != nil {
		if rootLogger != nil {
			rootLogger.Error("Command execution failed", "error", err)
		} else {
			fmt.Fprintf(os.Stderr, "Command execution failed: %v\n", err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rawDir, "raw-dir", "r", "./prism_raw", "Directory for the mirrored raster archives")
	rootCmd.PersistentFlags().StringVarP(&cleanDir, "clean-dir", "c", "./prism_clean", "Directory for the generated Parquet files")
	rootCmd.PersistentFlags().StringVarP(&boundaryPath, "boundary", "b", "./county_boundaries.zip", "Path to the zipped county boundary shapefile")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db-path", "d", "./prismparquet_state.duckdb", "Path to DuckDB state database file (:memory: for in-memory)")
	rootCmd.PersistentFlags().IntVarP(&workers, "workers", "w", config.DefaultNumWorkers, "Number of concurrent date workers for the processing phase")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", config.DefaultBaseURL, "Base URL of the PRISM archive mirror")
	rootCmd.PersistentFlags().StringSliceVar(&variables, "variables", nil, "Variables to fetch/process (e.g. ppt,tmin,tmax; empty = all)")
	rootCmd.PersistentFlags().StringSliceVar(&timesteps, "timesteps", nil, "Timesteps to fetch/process (daily, monthly; empty = all)")
	rootCmd.PersistentFlags().IntSliceVar(&years, "years", nil, "Years to fetch/process (empty = all listed on the mirror)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log output format (text or json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "Log output destination (stderr, stdout, or file path)")

	rootCmd.Version = "0.1.0"
}

func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getDB() *sql.DB {
	return dbConn
}

func getConfig() *config.Config {
	return appConfig
}
