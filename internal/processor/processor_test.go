package processor

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/brensch/prismparquet/internal/boundary"
	"github.com/brensch/prismparquet/internal/config"
	"github.com/brensch/prismparquet/internal/zonal"
	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	return &config.Config{
		RawDir:     filepath.Join(base, "raw"),
		CleanDir:   filepath.Join(base, "clean"),
		NumWorkers: 1,
	}
}

// stubBoundaries swaps the boundary loader for one synthetic county that
// covers the test grid, restoring the real loader afterwards.
func stubBoundaries(t *testing.T) {
	t.Helper()
	orig := loadBoundaries
	loadBoundaries = func(string) (*boundary.Collection, error) {
		return &boundary.Collection{Regions: []boundary.Region{
			{
				RegionCode:  "06037",
				CanonicalID: "06037",
				Geom: geom.Polygon{{
					{X: 100, Y: 46}, {X: 104, Y: 46}, {X: 104, Y: 50}, {X: 100, Y: 50},
				}},
			},
		}}, nil
	}
	t.Cleanup(func() { loadBoundaries = orig })
}

// buildTestTIFF assembles a 4x4 little-endian float32 GeoTIFF with origin
// (100, 50), 1-unit cells, NAD83 geokeys, and a -9999 nodata declaration.
func buildTestTIFF(t *testing.T, fill float32) []byte {
	t.Helper()
	le := binary.LittleEndian

	strip := new(bytes.Buffer)
	for i := 0; i < 16; i++ {
		require.NoError(t, binary.Write(strip, le, fill))
	}
	stripBytes := strip.Bytes()

	scale := []float64{1, 1, 0}
	tiepoint := []float64{0, 0, 0, 100, 50, 0}
	geokeys := []uint16{1, 1, 0, 1, 2048, 0, 1, 4269}
	nodata := []byte("-9999\x00")

	stripOffset := uint32(8)
	scaleOffset := stripOffset + uint32(len(stripBytes))
	tieOffset := scaleOffset + 24
	geoOffset := tieOffset + 48
	nodataOffset := geoOffset + 16
	ifdOffset := nodataOffset + uint32(len(nodata))

	type entry struct {
		tag, typ uint16
		count    uint32
		value    uint32
	}
	entries := []entry{
		{256, 3, 1, 4},
		{257, 3, 1, 4},
		{258, 3, 1, 32},
		{259, 3, 1, 1},
		{262, 3, 1, 1},
		{273, 4, 1, stripOffset},
		{277, 3, 1, 1},
		{278, 3, 1, 4},
		{279, 4, 1, uint32(len(stripBytes))},
		{339, 3, 1, 3},
		{33550, 12, 3, scaleOffset},
		{33922, 12, 6, tieOffset},
		{34735, 3, 8, geoOffset},
		{42113, 2, uint32(len(nodata)), nodataOffset},
	}

	out := new(bytes.Buffer)
	out.WriteString("II")
	binary.Write(out, le, uint16(42))
	binary.Write(out, le, ifdOffset)
	out.Write(stripBytes)
	for _, v := range scale {
		binary.Write(out, le, v)
	}
	for _, v := range tiepoint {
		binary.Write(out, le, v)
	}
	for _, v := range geokeys {
		binary.Write(out, le, v)
	}
	out.Write(nodata)
	binary.Write(out, le, uint16(len(entries)))
	for _, e := range entries {
		binary.Write(out, le, e.tag)
		binary.Write(out, le, e.typ)
		binary.Write(out, le, e.count)
		if e.typ == 3 && e.count == 1 {
			binary.Write(out, le, uint16(e.value))
			binary.Write(out, le, uint16(0))
		} else {
			binary.Write(out, le, e.value)
		}
	}
	binary.Write(out, le, uint32(0))
	return out.Bytes()
}

func writeArchive(t *testing.T, dir, name string, tif []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("grid.tif")
	require.NoError(t, err)
	_, err = w.Write(tif)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestProcessDateSkipsExistingOutput(t *testing.T) {
	cfg := testConfig(t)
	// Point the raw dir somewhere nonexistent: a skip must not read any
	// input at all.
	cfg.RawDir = filepath.Join(cfg.RawDir, "does-not-exist")
	require.NoError(t, os.MkdirAll(cfg.CleanDir, 0o755))
	require.NoError(t, os.WriteFile(OutputFile(cfg.CleanDir, "20230101"), []byte("placeholder"), 0o644))

	skipped, err := ProcessDate(context.Background(), cfg, testLogger(), "20230101")
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestProcessDateNoArchives(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.MkdirAll(cfg.RawDir, 0o755))
	stubBoundaries(t)

	_, err := ProcessDate(context.Background(), cfg, testLogger(), "20230101")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no raster archives")
}

func TestProcessDateCorruptArchive(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.RawDir, "ppt", "daily", "2023")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prism_ppt_us_25m_20230101.zip"), []byte("not a zip"), 0o644))
	stubBoundaries(t)

	_, err := ProcessDate(context.Background(), cfg, testLogger(), "20230101")
	require.Error(t, err)

	// A failed date must not leave a checkpoint behind.
	_, statErr := os.Stat(OutputFile(cfg.CleanDir, "20230101"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestProcessDateUnresolvableVariable(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.RawDir, "ppt", "daily", "2023")
	writeArchive(t, dir, "climate_grid_20230101.zip", buildTestTIFF(t, 10))
	stubBoundaries(t)

	_, err := ProcessDate(context.Background(), cfg, testLogger(), "20230101")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prism_<variable>_us")
}

func TestProcessDateEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	writeArchive(t, filepath.Join(cfg.RawDir, "ppt", "daily", "2023"),
		"prism_ppt_us_25m_20230101.zip", buildTestTIFF(t, 10))
	writeArchive(t, filepath.Join(cfg.RawDir, "tmax", "daily", "2023"),
		"prism_tmax_us_25m_20230101.zip", buildTestTIFF(t, 30))
	stubBoundaries(t)

	skipped, err := ProcessDate(context.Background(), cfg, testLogger(), "20230101")
	require.NoError(t, err)
	assert.False(t, skipped)

	out := OutputFile(cfg.CleanDir, "20230101")
	fr, err := local.NewLocalFileReader(out)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	assert.Equal(t, int64(1), pr.GetNumRows())

	// No stray temp file left after the rename.
	_, statErr := os.Stat(out + ".tmp")
	assert.True(t, os.IsNotExist(statErr))

	// Second run sees the checkpoint and skips.
	skipped, err = ProcessDate(context.Background(), cfg, testLogger(), "20230101")
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestProcessDateIgnoresOtherDates(t *testing.T) {
	cfg := testConfig(t)
	dir := filepath.Join(cfg.RawDir, "ppt", "daily", "2023")
	writeArchive(t, dir, "prism_ppt_us_25m_20230101.zip", buildTestTIFF(t, 10))
	writeArchive(t, dir, "prism_ppt_us_25m_20230102.zip", buildTestTIFF(t, 20))
	stubBoundaries(t)

	_, err := ProcessDate(context.Background(), cfg, testLogger(), "20230101")
	require.NoError(t, err)

	_, statErr := os.Stat(OutputFile(cfg.CleanDir, "20230102"))
	assert.True(t, os.IsNotExist(statErr), "only the requested date gets a checkpoint")
}

func TestWriteParquetKeepsRegionMissingAVariable(t *testing.T) {
	la := zonal.Key{RegionCode: "06037", CanonicalID: "06037"}
	orange := zonal.Key{RegionCode: "06059", CanonicalID: "06059"}
	table := map[zonal.Key]map[string]zonal.Value{
		la:     {"ppt": {Mean: 12.5, Valid: true}},
		orange: {"ppt": {Mean: 3.25, Valid: true}, "tmax": {Mean: 30, Valid: true}},
	}
	variables := []string{"ppt", "tmax"}

	row := rowValues("20230101", la, variables, table)
	require.Len(t, row, 5)
	require.NotNil(t, row[2])
	assert.Equal(t, "12.5", *row[2])
	assert.Nil(t, row[3], "absent variable is a null column, not a dropped row")
	require.NotNil(t, row[4])
	assert.Equal(t, "20230101", *row[4])

	out := filepath.Join(t.TempDir(), "prism_20230101.parquet")
	require.NoError(t, writeParquet(out, "20230101", variables, table))

	fr, err := local.NewLocalFileReader(out)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, nil, 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	assert.Equal(t, int64(2), pr.GetNumRows(), "both regions survive the join")
}
