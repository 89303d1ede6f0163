package zonal

import (
	"testing"

	"github.com/brensch/prismparquet/internal/boundary"
	"github.com/brensch/prismparquet/internal/raster"
	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGrid is a 4x4 grid with origin (100, 50) and 1-unit cells, so cell
// centers run from (100.5, 49.5) down to (103.5, 46.5).
func testGrid(fill float64) *raster.Grid {
	nodata := -9999.0
	g := &raster.Grid{
		Width: 4, Height: 4,
		Values:  make([]float64, 16),
		OriginX: 100, OriginY: 50,
		PixelWidth: 1, PixelHeight: 1,
		NoData: &nodata,
	}
	for i := range g.Values {
		g.Values[i] = fill
	}
	return g
}

func rect(x0, y0, x1, y1 float64) geom.Polygon {
	return geom.Polygon{{
		{X: x0, Y: y0}, {X: x1, Y: y0}, {X: x1, Y: y1}, {X: x0, Y: y1},
	}}
}

func TestAggregateUniformGrid(t *testing.T) {
	grid := testGrid(12.5)
	coll := &boundary.Collection{Regions: []boundary.Region{
		{RegionCode: "06037", CanonicalID: "06037", Geom: rect(100, 48, 102, 50)},
	}}

	res, err := Aggregate(grid, coll)
	require.NoError(t, err)
	v := res[Key{RegionCode: "06037", CanonicalID: "06037"}]
	require.True(t, v.Valid)
	// Every covered cell holds the same value, so the mean is exact.
	assert.Equal(t, 12.5, v.Mean)
}

func TestAggregateMixedValues(t *testing.T) {
	grid := testGrid(10)
	// Second row of the covered block holds 20s: cells (0,1) and (1,1).
	grid.Values[1*4+0] = 20
	grid.Values[1*4+1] = 20
	coll := &boundary.Collection{Regions: []boundary.Region{
		{RegionCode: "06037", CanonicalID: "06037", Geom: rect(100, 48, 102, 50)},
	}}

	res, err := Aggregate(grid, coll)
	require.NoError(t, err)
	v := res[Key{RegionCode: "06037", CanonicalID: "06037"}]
	require.True(t, v.Valid)
	assert.InDelta(t, 15.0, v.Mean, 1e-9)
}

func TestAggregateExcludesNoData(t *testing.T) {
	grid := testGrid(10)
	grid.Values[0] = -9999 // cell (0,0), inside the region
	coll := &boundary.Collection{Regions: []boundary.Region{
		{RegionCode: "06037", CanonicalID: "06037", Geom: rect(100, 48, 102, 50)},
	}}

	res, err := Aggregate(grid, coll)
	require.NoError(t, err)
	v := res[Key{RegionCode: "06037", CanonicalID: "06037"}]
	require.True(t, v.Valid)
	assert.InDelta(t, 10.0, v.Mean, 1e-9)
}

func TestAggregateAllNoDataIsMissing(t *testing.T) {
	grid := testGrid(-9999)
	coll := &boundary.Collection{Regions: []boundary.Region{
		{RegionCode: "06037", CanonicalID: "06037", Geom: rect(100, 48, 102, 50)},
	}}

	res, err := Aggregate(grid, coll)
	require.NoError(t, err)
	v := res[Key{RegionCode: "06037", CanonicalID: "06037"}]
	assert.False(t, v.Valid)
}

func TestAggregateRegionOutsideExtent(t *testing.T) {
	grid := testGrid(10)
	coll := &boundary.Collection{Regions: []boundary.Region{
		{RegionCode: "99999", CanonicalID: "99999", Geom: rect(500, 500, 510, 510)},
	}}

	res, err := Aggregate(grid, coll)
	require.NoError(t, err)
	v, present := res[Key{RegionCode: "99999", CanonicalID: "99999"}]
	require.True(t, present, "regions outside the grid still appear in the result")
	assert.False(t, v.Valid)
}

func TestAggregateBrokenGeometryIsolated(t *testing.T) {
	grid := testGrid(10)
	coll := &boundary.Collection{Regions: []boundary.Region{
		{RegionCode: "06037", CanonicalID: "06037", Geom: rect(100, 48, 102, 50)},
		{RegionCode: "06038", CanonicalID: "06038", Geom: nil},
		{RegionCode: "06039", CanonicalID: "06039", Geom: geom.Polygon{}},
	}}

	res, err := Aggregate(grid, coll)
	require.NoError(t, err)
	require.Len(t, res, 3)

	good := res[Key{RegionCode: "06037", CanonicalID: "06037"}]
	assert.True(t, good.Valid)
	assert.False(t, res[Key{RegionCode: "06038", CanonicalID: "06038"}].Valid)
	assert.False(t, res[Key{RegionCode: "06039", CanonicalID: "06039"}].Valid)
}
