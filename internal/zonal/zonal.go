package zonal

import (
	"fmt"
	"math"

	"github.com/brensch/prismparquet/internal/boundary"
	"github.com/brensch/prismparquet/internal/raster"
	"github.com/ctessum/geom"
	"github.com/ctessum/geom/proj"
	"gonum.org/v1/gonum/floats"
)

// Key identifies one region in an aggregation result.
type Key struct {
	RegionCode  string
	CanonicalID string
}

// Value is one region's aggregate. Valid is false when the region yielded
// no usable cells, which the output records as a null rather than a number.
type Value struct {
	Mean  float64
	Valid bool
}

// Result holds one Value per region in the boundary dataset. Every region
// appears, including the ones that failed to aggregate.
type Result map[Key]Value

// Aggregate computes the mean of the grid cells whose centers fall inside
// each region. Cells equal to the grid's nodata sentinel, or NaN, are
// excluded. A region that cannot be masked, because its geometry is
// broken, empty, or entirely outside the grid, gets a Value with Valid
// false instead of failing the whole call.
func Aggregate(grid *raster.Grid, coll *boundary.Collection) (Result, error) {
	var trans proj.Transformer
	if coll.SR != nil && grid.CRS != "" {
		gridSR, err := proj.Parse(grid.CRS)
		if err != nil {
			return nil, fmt.Errorf("parse raster projection: %w", err)
		}
		trans, err = coll.SR.NewTransform(gridSR)
		if err != nil {
			return nil, fmt.Errorf("boundary to raster transform: %w", err)
		}
	}

	extent := grid.Bounds()
	out := make(Result, len(coll.Regions))
	for _, region := range coll.Regions {
		key := Key{RegionCode: region.RegionCode, CanonicalID: region.CanonicalID}
		out[key] = maskMean(grid, extent, region.Geom, trans)
	}
	return out, nil
}

// maskMean aggregates a single region. Panics from degenerate geometries
// deep in the point-in-polygon test are treated like any other masking
// failure.
func maskMean(grid *raster.Grid, extent *geom.Bounds, g geom.Polygonal, trans proj.Transformer) (v Value) {
	defer func() {
		if r := recover(); r != nil {
			v = Value{}
		}
	}()
	if g == nil {
		return Value{}
	}
	if trans != nil {
		tg, err := g.Transform(trans)
		if err != nil {
			return Value{}
		}
		poly, ok := tg.(geom.Polygonal)
		if !ok {
			return Value{}
		}
		g = poly
	}
	b := g.Bounds()
	if b == nil || !b.Overlaps(extent) {
		return Value{}
	}

	minCol, maxCol := cellRange(b.Min.X, b.Max.X, grid.OriginX, grid.PixelWidth, grid.Width)
	// Rows count down from the northern edge.
	minRow, maxRow := cellRange(-b.Max.Y, -b.Min.Y, -grid.OriginY, grid.PixelHeight, grid.Height)

	var vals []float64
	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			val := grid.At(col, row)
			if math.IsNaN(val) {
				continue
			}
			if grid.NoData != nil && val == *grid.NoData {
				continue
			}
			x, y := grid.CellCenter(col, row)
			center := geom.Point{X: x, Y: y}
			if center.Within(g) == geom.Outside {
				continue
			}
			vals = append(vals, val)
		}
	}
	if len(vals) == 0 {
		return Value{}
	}
	return Value{Mean: floats.Sum(vals) / float64(len(vals)), Valid: true}
}

// cellRange clips a coordinate interval to the cell indices it touches
// along one axis.
func cellRange(lo, hi, origin, size float64, n int) (int, int) {
	first := int(math.Floor((lo - origin) / size))
	last := int(math.Floor((hi - origin) / size))
	if first < 0 {
		first = 0
	}
	if last > n-1 {
		last = n - 1
	}
	return first, last
}