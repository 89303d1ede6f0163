package config

import "runtime"

// DefaultBaseURL is the root of the PRISM 4km analysis time series tree.
// Index pages under <base>/<variable>/<timestep>/<year>/ list the dated
// zip archives for that partition.
const DefaultBaseURL = "https://ftp.prism.oregonstate.edu/time_series/us/an/4km"

var (
	// Default number of workers, often set to CPU count.
	DefaultNumWorkers = runtime.NumCPU()
)

// Config holds application settings.
type Config struct {
	RawDir       string // mirror of dated raster zip archives
	CleanDir     string // per-date parquet checkpoints
	BoundaryPath string // zipped county boundary shapefile
	DbPath       string // DuckDB event-log database
	NumWorkers   int
	BaseURL      string

	// Selection filters applied when walking the raw corpus and when
	// fetching. Empty means "all".
	Variables []string
	TimeSteps []string
	Years     []int
}
