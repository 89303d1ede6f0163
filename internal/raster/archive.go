package raster

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
)

// FormatError indicates an archive that cannot yield a raster: the zip is
// unreadable or it contains no .tif entry.
type FormatError struct {
	Path   string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("archive %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("archive %s: %s", e.Path, e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// ReadArchive opens a PRISM zip archive and decodes the first .tif entry
// into a Grid. The raster is read entirely in memory; nothing is extracted
// to disk.
func ReadArchive(zipPath string) (*Grid, error) {
	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, &FormatError{Path: zipPath, Reason: "not a readable zip", Err: err}
	}
	defer zr.Close()

	for _, f := range zr.File {
		if !strings.EqualFold(path.Ext(f.Name), ".tif") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &FormatError{Path: zipPath, Reason: fmt.Sprintf("open entry %s", f.Name), Err: err}
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, &FormatError{Path: zipPath, Reason: fmt.Sprintf("read entry %s", f.Name), Err: err}
		}
		g, err := ParseGeoTIFF(data)
		if err != nil {
			return nil, fmt.Errorf("archive %s entry %s: %w", zipPath, f.Name, err)
		}
		return g, nil
	}
	return nil, &FormatError{Path: zipPath, Reason: "no .tif entry found"}
}
