package boundary

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZip builds a zip archive in a temp dir from name -> content pairs.
func writeZip(t *testing.T, entries map[string][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestRegionCodePadding(t *testing.T) {
	tests := []struct {
		name   string
		state  string
		county string
		want   string
	}{
		{"already padded", "06", "037", "06037"},
		{"unpadded state and county", "6", "37", "06037"},
		{"single digit county", "48", "1", "48001"},
		{"whitespace trimmed", " 06 ", " 037 ", "06037"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := regionCode(tt.state, tt.county)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRegionCodeRejectsBadAttributes(t *testing.T) {
	_, err := regionCode("", "037")
	assert.Error(t, err)
	_, err = regionCode("06", "")
	assert.Error(t, err)
	_, err = regionCode("123", "037")
	assert.Error(t, err)
	_, err = regionCode("06", "1234")
	assert.Error(t, err)
}

func TestRowRegionToleratesNullGeometry(t *testing.T) {
	fields := map[string]string{"STATEFP": "06", "COUNTYFP": "037", "GEOID": "06037"}
	region, err := rowRegion(nil, fields)
	require.NoError(t, err)
	assert.Nil(t, region.Geom)
	assert.Equal(t, "06037", region.RegionCode)
	assert.Equal(t, "06037", region.CanonicalID)
}

func TestRowRegionAcceptsPolygon(t *testing.T) {
	fields := map[string]string{"STATEFP": "6", "COUNTYFP": "37"}
	poly := geom.Polygon{{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 0}}}
	region, err := rowRegion(poly, fields)
	require.NoError(t, err)
	assert.Equal(t, "06037", region.RegionCode)
	assert.NotNil(t, region.Geom)
}

func TestRowRegionRejectsNonPolygonalShape(t *testing.T) {
	fields := map[string]string{"STATEFP": "06", "COUNTYFP": "037"}
	_, err := rowRegion(geom.Point{X: 1, Y: 2}, fields)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not polygonal")
}

func TestReadZipRejectsNonZip(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "bogus*.zip")
	require.NoError(t, err)
	_, err = f.WriteString("this is not a zip archive")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = ReadZip(f.Name())
	require.Error(t, err)
	var fmtErr *FormatError
	assert.ErrorAs(t, err, &fmtErr)
}

func TestReadZipRequiresShapefile(t *testing.T) {
	path := writeZip(t, map[string][]byte{"notes.txt": []byte("no shapes here")})
	_, err := ReadZip(path)
	require.Error(t, err)
	var fmtErr *FormatError
	require.ErrorAs(t, err, &fmtErr)
	assert.Contains(t, fmtErr.Reason, "no .shp entry")
}
