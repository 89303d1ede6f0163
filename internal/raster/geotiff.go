package raster

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/ctessum/geom"
	"github.com/google/tiff"
	"golang.org/x/image/tiff/lzw"
)

// Grid is a single-band raster held in memory: row-major cell values plus
// the metadata needed to place each cell geographically.
type Grid struct {
	Width  int
	Height int

	// Values holds Width*Height samples, row-major from the north-west
	// corner.
	Values []float64

	// OriginX/OriginY locate the outer corner of the north-west cell.
	// PixelWidth and PixelHeight are positive; rows advance south.
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64

	// CRS is a proj4 definition string, empty when the file carried no
	// recognizable georeferencing keys.
	CRS string

	// NoData is the declared missing-value sentinel, nil when undeclared.
	NoData *float64
}

// At returns the value of the cell at (col, row).
func (g *Grid) At(col, row int) float64 {
	return g.Values[row*g.Width+col]
}

// CellCenter returns the geographic coordinates of the center of the cell
// at (col, row).
func (g *Grid) CellCenter(col, row int) (x, y float64) {
	x = g.OriginX + (float64(col)+0.5)*g.PixelWidth
	y = g.OriginY - (float64(row)+0.5)*g.PixelHeight
	return x, y
}

// Bounds returns the outer extent of the grid.
func (g *Grid) Bounds() *geom.Bounds {
	return &geom.Bounds{
		Min: geom.Point{X: g.OriginX, Y: g.OriginY - float64(g.Height)*g.PixelHeight},
		Max: geom.Point{X: g.OriginX + float64(g.Width)*g.PixelWidth, Y: g.OriginY},
	}
}

// TIFF tag and GeoTIFF key IDs used below.
const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagStripOffsets    = 273
	tagSamplesPerPixel = 277
	tagRowsPerStrip    = 278
	tagStripByteCounts = 279
	tagPredictor       = 317
	tagSampleFormat    = 339
	tagModelPixelScale = 33550
	tagModelTiepoint   = 33922
	tagGeoKeyDirectory = 34735
	tagGDALNoData      = 42113

	geoKeyGeographicType = 2048
	geoKeyProjectedCS    = 3072
)

// Sample formats per the TIFF 6 spec.
const (
	sampleUint  = 1
	sampleInt   = 2
	sampleFloat = 3
)

// epsgProj4 maps the EPSG codes this pipeline expects to see in practice.
// PRISM grids are NAD83 geographic (4269); the rest cover the usual CONUS
// suspects so a re-gridded input doesn't fail with a cryptic error.
var epsgProj4 = map[uint64]string{
	4326: "+proj=longlat +datum=WGS84 +no_defs",
	4269: "+proj=longlat +datum=NAD83 +no_defs",
	4267: "+proj=longlat +datum=NAD27 +no_defs",
	5070: "+proj=aea +lat_0=23 +lon_0=-96 +lat_1=29.5 +lat_2=45.5 +x_0=0 +y_0=0 +datum=NAD83 +units=m +no_defs",
	3857: "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +no_defs",
}

// ParseGeoTIFF decodes a single-band GeoTIFF held entirely in memory.
// Only the first image directory is read; when the file interleaves more
// than one sample per pixel, the first sample is taken and the rest are
// skipped.
func ParseGeoTIFF(data []byte) (*Grid, error) {
	tf, err := tiff.Parse(bytes.NewReader(data), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("parse tiff structure: %w", err)
	}
	ifds := tf.IFDs()
	if len(ifds) == 0 {
		return nil, errors.New("tiff contains no image directory")
	}
	ifd := ifds[0]

	var order binary.ByteOrder = binary.LittleEndian
	if tf.Order() == "MM" {
		order = binary.BigEndian
	}

	width, err := requiredUint(ifd, tagImageWidth)
	if err != nil {
		return nil, err
	}
	height, err := requiredUint(ifd, tagImageLength)
	if err != nil {
		return nil, err
	}
	bits := optionalUint(ifd, tagBitsPerSample, 1)
	samplesPerPixel := int(optionalUint(ifd, tagSamplesPerPixel, 1))
	compression := optionalUint(ifd, tagCompression, 1)
	sampleFormat := optionalUint(ifd, tagSampleFormat, sampleUint)
	predictor := optionalUint(ifd, tagPredictor, 1)
	rowsPerStrip := optionalUint(ifd, tagRowsPerStrip, height)
	if rowsPerStrip == 0 || rowsPerStrip > height {
		rowsPerStrip = height
	}

	if bits != 8 && bits != 16 && bits != 32 && bits != 64 {
		return nil, fmt.Errorf("unsupported bits per sample: %d", bits)
	}
	if sampleFormat == sampleFloat && bits != 32 && bits != 64 {
		return nil, fmt.Errorf("unsupported float sample width: %d bits", bits)
	}

	offsets, err := requiredUints(ifd, tagStripOffsets)
	if err != nil {
		return nil, err
	}
	counts, err := requiredUints(ifd, tagStripByteCounts)
	if err != nil {
		return nil, err
	}
	if len(offsets) != len(counts) {
		return nil, fmt.Errorf("strip offsets (%d) and byte counts (%d) disagree", len(offsets), len(counts))
	}

	g := &Grid{
		Width:  int(width),
		Height: int(height),
		Values: make([]float64, 0, width*height),
	}

	bytesPerSample := int(bits) / 8
	rowBytes := int(width) * samplesPerPixel * bytesPerSample

	for s, off := range offsets {
		cnt := counts[s]
		if off+cnt > uint64(len(data)) {
			return nil, fmt.Errorf("strip %d extends past end of file", s)
		}
		strip, err := decompressStrip(data[off:off+cnt], compression)
		if err != nil {
			return nil, fmt.Errorf("strip %d: %w", s, err)
		}

		stripRows := int(rowsPerStrip)
		if remaining := g.Height - s*int(rowsPerStrip); remaining < stripRows {
			stripRows = remaining
		}
		if len(strip) < stripRows*rowBytes {
			return nil, fmt.Errorf("strip %d: %d bytes, want %d", s, len(strip), stripRows*rowBytes)
		}

		for r := 0; r < stripRows; r++ {
			row := strip[r*rowBytes : (r+1)*rowBytes]
			switch predictor {
			case 1:
				// No prediction.
			case 2:
				undoHorizontalPredictor(row, order, bytesPerSample, samplesPerPixel)
			case 3:
				if err := undoFloatPredictor(row, order, bytesPerSample); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("unsupported predictor: %d", predictor)
			}
			for c := 0; c < int(width); c++ {
				sample := row[c*samplesPerPixel*bytesPerSample:]
				g.Values = append(g.Values, decodeSample(sample, order, sampleFormat, bits))
			}
		}
	}
	if len(g.Values) != g.Width*g.Height {
		return nil, fmt.Errorf("decoded %d samples, want %d", len(g.Values), g.Width*g.Height)
	}

	if err := readGeoreferencing(ifd, g); err != nil {
		return nil, err
	}
	if f := ifd.GetField(tagGDALNoData); f != nil {
		txt := strings.TrimSpace(fieldASCII(f))
		if v, err := strconv.ParseFloat(txt, 64); err == nil {
			g.NoData = &v
		}
	}
	return g, nil
}

func readGeoreferencing(ifd tiff.IFD, g *Grid) error {
	scale, err := requiredFloats(ifd, tagModelPixelScale)
	if err != nil || len(scale) < 2 {
		return errors.New("missing or short model pixel scale tag")
	}
	tie, err := requiredFloats(ifd, tagModelTiepoint)
	if err != nil || len(tie) < 6 {
		return errors.New("missing or short model tiepoint tag")
	}
	g.PixelWidth = scale[0]
	g.PixelHeight = scale[1]
	// Tie point maps raster position (i,j) to model position (x,y); walk
	// back to the north-west corner.
	g.OriginX = tie[3] - tie[0]*scale[0]
	g.OriginY = tie[4] + tie[1]*scale[1]

	keys, err := requiredUints(ifd, tagGeoKeyDirectory)
	if err != nil {
		// No geo keys at all: leave CRS empty and let the caller decide
		// whether that matters.
		return nil
	}
	if len(keys) < 4 {
		return errors.New("malformed geokey directory")
	}
	numKeys := int(keys[3])
	var code uint64
	for k := 0; k < numKeys && 4+4*k+3 < len(keys); k++ {
		entry := keys[4+4*k : 4+4*k+4]
		// Only inline (location 0) keys carry the code directly.
		if entry[1] != 0 {
			continue
		}
		switch entry[0] {
		case geoKeyProjectedCS:
			code = entry[3]
		case geoKeyGeographicType:
			if code == 0 {
				code = entry[3]
			}
		}
	}
	if code == 0 {
		return nil
	}
	proj4, ok := epsgProj4[code]
	if !ok {
		return fmt.Errorf("unsupported raster EPSG code %d", code)
	}
	g.CRS = proj4
	return nil
}

func decompressStrip(raw []byte, compression uint64) ([]byte, error) {
	switch compression {
	case 1:
		return raw, nil
	case 5:
		r := lzw.NewReader(bytes.NewReader(raw), lzw.MSB, 8)
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil && len(out) == 0 {
			return nil, fmt.Errorf("lzw: %w", err)
		}
		return out, nil
	case 8, 32946:
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported compression scheme: %d", compression)
	}
}

// undoHorizontalPredictor reverses per-row horizontal differencing for
// integer samples, in place.
func undoHorizontalPredictor(row []byte, order binary.ByteOrder, bytesPerSample, samplesPerPixel int) {
	stride := bytesPerSample * samplesPerPixel
	switch bytesPerSample {
	case 1:
		for i := samplesPerPixel; i < len(row); i++ {
			row[i] += row[i-samplesPerPixel]
		}
	case 2:
		for i := stride; i+1 < len(row); i += bytesPerSample {
			order.PutUint16(row[i:], order.Uint16(row[i:])+order.Uint16(row[i-stride:]))
		}
	case 4:
		for i := stride; i+3 < len(row); i += bytesPerSample {
			order.PutUint32(row[i:], order.Uint32(row[i:])+order.Uint32(row[i-stride:]))
		}
	}
}

// undoFloatPredictor reverses the floating-point predictor: byte-wise
// deltas across the row, then byte planes gathered most-significant first.
func undoFloatPredictor(row []byte, order binary.ByteOrder, bytesPerSample int) error {
	if bytesPerSample != 4 {
		return fmt.Errorf("float predictor unsupported for %d-byte samples", bytesPerSample)
	}
	for i := 1; i < len(row); i++ {
		row[i] += row[i-1]
	}
	n := len(row) / 4
	tmp := make([]byte, len(row))
	copy(tmp, row)
	for j := 0; j < n; j++ {
		bits := uint32(tmp[j])<<24 | uint32(tmp[n+j])<<16 | uint32(tmp[2*n+j])<<8 | uint32(tmp[3*n+j])
		order.PutUint32(row[j*4:], bits)
	}
	return nil
}

func decodeSample(b []byte, order binary.ByteOrder, format, bits uint64) float64 {
	switch {
	case format == sampleFloat && bits == 32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case format == sampleFloat && bits == 64:
		return math.Float64frombits(order.Uint64(b))
	case format == sampleInt && bits == 8:
		return float64(int8(b[0]))
	case format == sampleInt && bits == 16:
		return float64(int16(order.Uint16(b)))
	case format == sampleInt && bits == 32:
		return float64(int32(order.Uint32(b)))
	case bits == 8:
		return float64(b[0])
	case bits == 16:
		return float64(order.Uint16(b))
	case bits == 32:
		return float64(order.Uint32(b))
	default:
		return math.NaN()
	}
}

// --- tag field decoding helpers ---

func requiredUint(ifd tiff.IFD, tag uint16) (uint64, error) {
	vs, err := requiredUints(ifd, tag)
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

func optionalUint(ifd tiff.IFD, tag uint16, def uint64) uint64 {
	vs, err := requiredUints(ifd, tag)
	if err != nil || len(vs) == 0 {
		return def
	}
	return vs[0]
}

func requiredUints(ifd tiff.IFD, tag uint16) ([]uint64, error) {
	f := ifd.GetField(tag)
	if f == nil {
		return nil, fmt.Errorf("missing tiff tag %d", tag)
	}
	b := f.Value().Bytes()
	ord := f.Value().Order()
	n := int(f.Count())
	out := make([]uint64, 0, n)
	switch f.Type().ID() {
	case 1: // BYTE
		for i := 0; i < n && i < len(b); i++ {
			out = append(out, uint64(b[i]))
		}
	case 3: // SHORT
		for i := 0; i < n && 2*i+1 < len(b); i++ {
			out = append(out, uint64(ord.Uint16(b[2*i:])))
		}
	case 4: // LONG
		for i := 0; i < n && 4*i+3 < len(b); i++ {
			out = append(out, uint64(ord.Uint32(b[4*i:])))
		}
	case 16: // LONG8
		for i := 0; i < n && 8*i+7 < len(b); i++ {
			out = append(out, ord.Uint64(b[8*i:]))
		}
	default:
		return nil, fmt.Errorf("tiff tag %d has non-integer type %d", tag, f.Type().ID())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("tiff tag %d is empty", tag)
	}
	return out, nil
}

func requiredFloats(ifd tiff.IFD, tag uint16) ([]float64, error) {
	f := ifd.GetField(tag)
	if f == nil {
		return nil, fmt.Errorf("missing tiff tag %d", tag)
	}
	b := f.Value().Bytes()
	ord := f.Value().Order()
	n := int(f.Count())
	out := make([]float64, 0, n)
	switch f.Type().ID() {
	case 11: // FLOAT
		for i := 0; i < n && 4*i+3 < len(b); i++ {
			out = append(out, float64(math.Float32frombits(ord.Uint32(b[4*i:]))))
		}
	case 12: // DOUBLE
		for i := 0; i < n && 8*i+7 < len(b); i++ {
			out = append(out, math.Float64frombits(ord.Uint64(b[8*i:])))
		}
	default:
		return nil, fmt.Errorf("tiff tag %d has non-float type %d", tag, f.Type().ID())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("tiff tag %d is empty", tag)
	}
	return out, nil
}

func fieldASCII(f tiff.Field) string {
	return string(bytes.TrimRight(f.Value().Bytes(), "\x00"))
}
