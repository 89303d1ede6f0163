package processor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/brensch/prismparquet/internal/boundary"
	"github.com/brensch/prismparquet/internal/config"
	"github.com/brensch/prismparquet/internal/model"
	"github.com/brensch/prismparquet/internal/raster"
	"github.com/brensch/prismparquet/internal/zonal"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

// loadBoundaries is swapped out in tests to avoid shipping real
// shapefiles.
var loadBoundaries = boundary.ReadZip

// OutputFile is the checkpoint path for one date. Its existence means the
// date has been processed.
func OutputFile(cleanDir, date string) string {
	return filepath.Join(cleanDir, "prism_"+date+".parquet")
}

// ProcessDate aggregates every raster archive for one date into a single
// county-level parquet file. It returns skipped=true without touching
// anything when the output file already exists. The output is written to a
// temporary name and renamed into place, so a crash mid-write never leaves
// a checkpoint behind.
func ProcessDate(ctx context.Context, cfg *config.Config, logger *slog.Logger, date string) (skipped bool, err error) {
	out := OutputFile(cfg.CleanDir, date)
	if _, err := os.Stat(out); err == nil {
		logger.Debug("output exists, skipping", slog.String("date", date))
		return true, nil
	}

	archives, err := findArchives(cfg.RawDir, date)
	if err != nil {
		return false, err
	}
	if len(archives) == 0 {
		return false, fmt.Errorf("no raster archives found for date %s under %s", date, cfg.RawDir)
	}

	coll, err := loadBoundaries(cfg.BoundaryPath)
	if err != nil {
		return false, fmt.Errorf("load boundaries: %w", err)
	}

	// One column of means per variable, outer-joined on region.
	table := make(map[zonal.Key]map[string]zonal.Value)
	varSet := make(map[string]bool)
	for _, archive := range archives {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		variable, err := model.ResolveVariable(archive)
		if err != nil {
			return false, err
		}
		grid, err := raster.ReadArchive(archive)
		if err != nil {
			return false, err
		}
		res, err := zonal.Aggregate(grid, coll)
		if err != nil {
			return false, fmt.Errorf("aggregate %s: %w", filepath.Base(archive), err)
		}
		varSet[variable] = true
		for key, val := range res {
			row, ok := table[key]
			if !ok {
				row = make(map[string]zonal.Value)
				table[key] = row
			}
			row[variable] = val
		}
		logger.Debug("aggregated archive",
			slog.String("date", date),
			slog.String("variable", variable),
			slog.Int("regions", len(res)),
		)
	}

	variables := make([]string, 0, len(varSet))
	for v := range varSet {
		variables = append(variables, v)
	}
	sort.Strings(variables)

	if err := writeParquet(out, date, variables, table); err != nil {
		return false, err
	}
	logger.Info("wrote date output",
		slog.String("date", date),
		slog.String("path", out),
		slog.Int("regions", len(table)),
		slog.Int("variables", len(variables)),
	)
	return false, nil
}

// findArchives walks the raw mirror for zip files whose name ends in the
// given date token, in any variable or timestep subdirectory.
func findArchives(rawDir, date string) ([]string, error) {
	var archives []string
	err := filepath.WalkDir(rawDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".zip") {
			return nil
		}
		if token, ok := model.DateFromFilename(d.Name()); ok && token == date {
			archives = append(archives, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan raw dir: %w", err)
	}
	sort.Strings(archives)
	return archives, nil
}

// writeParquet emits one row per region: identifiers, a nullable DOUBLE
// per variable, and the date. Rows are sorted by region code so output is
// deterministic across runs.
func writeParquet(out, date string, variables []string, table map[zonal.Key]map[string]zonal.Value) error {
	meta := []string{
		"name=region_code, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY, repetitiontype=OPTIONAL",
		"name=canonical_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY, repetitiontype=OPTIONAL",
	}
	for _, v := range variables {
		meta = append(meta, fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", v))
	}
	meta = append(meta, "name=date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY, repetitiontype=OPTIONAL")

	keys := make([]zonal.Key, 0, len(table))
	for key := range table {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RegionCode != keys[j].RegionCode {
			return keys[i].RegionCode < keys[j].RegionCode
		}
		return keys[i].CanonicalID < keys[j].CanonicalID
	})

	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	tmp := out + ".tmp"
	fw, err := local.NewLocalFileWriter(tmp)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}
	pw, err := writer.NewCSVWriter(meta, fw, 4)
	if err != nil {
		fw.Close()
		return fmt.Errorf("init parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, key := range keys {
		row := rowValues(date, key, variables, table)
		if err := pw.WriteString(row); err != nil {
			fw.Close()
			os.Remove(tmp)
			return fmt.Errorf("write row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		os.Remove(tmp)
		return fmt.Errorf("finalize parquet: %w", err)
	}
	if err := fw.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close parquet: %w", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit output: %w", err)
	}
	return nil
}

// rowValues builds the parquet row for one region: identifiers, then the
// variable columns in order, nil where the region has no valid value for a
// variable, then the date. A region aggregated for only some variables
// still gets a full row.
func rowValues(date string, key zonal.Key, variables []string, table map[zonal.Key]map[string]zonal.Value) []*string {
	row := make([]*string, 0, len(variables)+3)
	row = append(row, ptr(key.RegionCode), ptr(key.CanonicalID))
	for _, v := range variables {
		if val, ok := table[key][v]; ok && val.Valid {
			row = append(row, ptr(strconv.FormatFloat(val.Mean, 'g', -1, 64)))
		} else {
			row = append(row, nil)
		}
	}
	row = append(row, ptr(date))
	return row
}

func ptr(s string) *string { return &s }
