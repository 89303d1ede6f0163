package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveVariable(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{"daily precipitation", "prism_ppt_us_25m_20230101.zip", "ppt"},
		{"monthly tmax", "prism_tmax_us_25m_202301.zip", "tmax"},
		{"uppercase filename", "PRISM_TMIN_US_25M_20230101.zip", "tmin"},
		{"full path", "/data/raw/ppt/daily/2023/prism_ppt_us_25m_20230115.zip", "ppt"},
		{"unfamiliar variable still resolves", "prism_vpdmax_us_25m_20230101.zip", "vpdmax"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveVariable(tt.filename)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveVariableRejectsForeignNames(t *testing.T) {
	for _, filename := range []string{
		"climate_20230101.zip",
		"prism_us_25m_20230101.zip",
		"readme.txt",
	} {
		_, err := ResolveVariable(filename)
		require.Error(t, err, filename)
		var patErr *PatternError
		assert.True(t, errors.As(err, &patErr), "want PatternError for %s", filename)
	}
}

func TestDateFromFilename(t *testing.T) {
	tests := []struct {
		filename string
		want     string
		ok       bool
	}{
		{"prism_ppt_us_25m_20230101.zip", "20230101", true},
		{"prism_tmax_us_25m_202301.zip", "202301", true},
		{"prism_ppt_us_25m.zip", "", false},
		{"prism_ppt_us_25m_2023.zip", "", false},
		{"prism_ppt_us_25m_202301015.zip", "", false},
	}
	for _, tt := range tests {
		got, ok := DateFromFilename(tt.filename)
		assert.Equal(t, tt.ok, ok, tt.filename)
		assert.Equal(t, tt.want, got, tt.filename)
	}
}

func TestIsDateToken(t *testing.T) {
	assert.True(t, IsDateToken("20230101"))
	assert.True(t, IsDateToken("202301"))
	assert.False(t, IsDateToken("2023"))
	assert.False(t, IsDateToken("2023010"))
	assert.False(t, IsDateToken("202301ab"))
}

func TestKnownSelections(t *testing.T) {
	assert.True(t, IsKnownVariable("ppt"))
	assert.True(t, IsKnownVariable("TMAX"))
	assert.False(t, IsKnownVariable("humidity"))
	assert.True(t, IsKnownTimeStep("daily"))
	assert.True(t, IsKnownTimeStep("Monthly"))
	assert.False(t, IsKnownTimeStep("hourly"))
}
