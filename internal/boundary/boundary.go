package boundary

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/ctessum/geom"
	"github.com/ctessum/geom/encoding/shp"
	"github.com/ctessum/geom/proj"
)

// FormatError indicates a boundary archive that cannot be decoded: the zip
// is unreadable, the shapefile components are missing, or a row cannot be
// interpreted as a county polygon.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("boundary %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("boundary %s: %s", e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Region is one county: its polygon plus the identifiers carried through
// to the output.
type Region struct {
	// RegionCode is the 5-digit FIPS code, state zero-padded to 2 digits
	// and county to 3.
	RegionCode string
	// CanonicalID is the dataset's own GEOID when present, otherwise the
	// derived RegionCode.
	CanonicalID string
	Geom        geom.Polygonal
}

// Collection is a boundary dataset decoded into memory.
type Collection struct {
	Regions []Region
	// SR is the dataset's spatial reference, nil when the archive carried
	// no .prj entry. When nil, callers must assume the regions already
	// share the raster's coordinate system.
	SR *proj.SR
}

// ReadZip decodes a zipped county shapefile into a Collection. The
// shapefile components are extracted to a temporary directory with their
// directory structure flattened, so archives that nest the .shp under a
// folder still decode.
func ReadZip(zipPath string) (*Collection, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &FormatError{Path: zipPath, Reason: "not a readable zip", Err: err}
	}
	defer zr.Close()

	tmp, err := os.MkdirTemp("", "boundary")
	if err != nil {
		return nil, fmt.Errorf("boundary temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	var shpPath string
	for _, f := range zr.File {
		ext := strings.ToLower(path.Ext(f.Name))
		switch ext {
		case ".shp", ".shx", ".dbf", ".prj":
		default:
			continue
		}
		dst := filepath.Join(tmp, strings.ToLower(path.Base(f.Name)))
		if err := extractEntry(f, dst); err != nil {
			return nil, &FormatError{Path: zipPath, Reason: fmt.Sprintf("extract %s", f.Name), Err: err}
		}
		if ext == ".shp" && shpPath == "" {
			shpPath = dst
		}
	}
	if shpPath == "" {
		return nil, &FormatError{Path: zipPath, Reason: "no .shp entry found"}
	}

	dec, err := shp.NewDecoder(shpPath)
	if err != nil {
		return nil, &FormatError{Path: zipPath, Reason: "open shapefile", Err: err}
	}
	defer dec.Close()

	coll := &Collection{}
	if sr, err := dec.SR(); err == nil {
		coll.SR = sr
	}

	for {
		g, fields, more := dec.DecodeRowFields("STATEFP", "COUNTYFP", "GEOID")
		if !more {
			break
		}
		region, err := rowRegion(g, fields)
		if err != nil {
			return nil, &FormatError{Path: zipPath, Reason: fmt.Sprintf("row %d", len(coll.Regions)), Err: err}
		}
		coll.Regions = append(coll.Regions, region)
	}
	if err := dec.Error(); err != nil && err != io.EOF {
		return nil, &FormatError{Path: zipPath, Reason: "decode rows", Err: err}
	}
	if len(coll.Regions) == 0 {
		return nil, &FormatError{Path: zipPath, Reason: "shapefile contains no regions"}
	}
	return coll, nil
}

// rowRegion converts one decoded shapefile row. A row with no geometry is
// kept as a region with a nil polygon, so it still produces an output
// record downstream; only genuinely non-polygonal shapes are rejected.
func rowRegion(g geom.Geom, fields map[string]string) (Region, error) {
	var poly geom.Polygonal
	if g != nil {
		p, ok := g.(geom.Polygonal)
		if !ok {
			return Region{}, fmt.Errorf("shape %T is not polygonal", g)
		}
		poly = p
	}
	code, err := regionCode(fields["STATEFP"], fields["COUNTYFP"])
	if err != nil {
		return Region{}, err
	}
	canonical := strings.TrimSpace(fields["GEOID"])
	if canonical == "" {
		canonical = code
	}
	return Region{RegionCode: code, CanonicalID: canonical, Geom: poly}, nil
}

// regionCode builds the 5-digit FIPS code from the raw state and county
// attribute values. Some vintages store these without leading zeros.
func regionCode(state, county string) (string, error) {
	state = strings.TrimSpace(state)
	county = strings.TrimSpace(county)
	if state == "" || county == "" {
		return "", fmt.Errorf("missing STATEFP or COUNTYFP attribute")
	}
	if len(state) > 2 || len(county) > 3 {
		return "", fmt.Errorf("FIPS components too long: %q %q", state, county)
	}
	return pad(state, 2) + pad(county, 3), nil
}

func pad(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func extractEntry(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
