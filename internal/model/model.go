package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Variable is a PRISM measurement variable.
type Variable string

const (
	VarPPT  Variable = "ppt"
	VarTmin Variable = "tmin"
	VarTmax Variable = "tmax"
)

// AllVariables lists every variable the PRISM tree publishes that this
// pipeline understands.
var AllVariables = []Variable{VarPPT, VarTmin, VarTmax}

// TimeStep is the time granularity of a PRISM partition.
type TimeStep string

const (
	StepDaily   TimeStep = "daily"
	StepMonthly TimeStep = "monthly"
)

var AllTimeSteps = []TimeStep{StepDaily, StepMonthly}

// IsKnownVariable reports whether s is one of the variables this pipeline
// understands. Unknown variables still process fine; the check exists so
// the CLI can warn about likely typos.
func IsKnownVariable(s string) bool {
	for _, v := range AllVariables {
		if strings.EqualFold(s, string(v)) {
			return true
		}
	}
	return false
}

// IsKnownTimeStep reports whether s names a supported time granularity.
func IsKnownTimeStep(s string) bool {
	for _, ts := range AllTimeSteps {
		if strings.EqualFold(s, string(ts)) {
			return true
		}
	}
	return false
}

// PatternError reports a filename from which no variable token could be
// resolved. It is fatal for that file: guessing a variable would silently
// file measurements under the wrong column.
type PatternError struct {
	Filename string
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("filename %q does not contain a prism_<variable>_us segment", e.Filename)
}

// PRISM raster archives are named like
// prism_ppt_us_25m_20230101.zip; the variable token sits between the
// prism_ and _us segments.
var variablePattern = regexp.MustCompile(`prism_([a-z0-9]+)_us`)

// ResolveVariable extracts the measured variable token from a raw archive
// filename. The token is returned lowercased.
func ResolveVariable(filename string) (string, error) {
	m := variablePattern.FindStringSubmatch(strings.ToLower(filepath.Base(filename)))
	if m == nil {
		return "", &PatternError{Filename: filepath.Base(filename)}
	}
	return m[1], nil
}

// Date tokens are the trailing segment of an archive stem: 8 digits for
// daily grids (YYYYMMDD), 6 for monthly (YYYYMM).
var dateTokenPattern = regexp.MustCompile(`^\d{6}(\d{2})?$`)

// IsDateToken reports whether s looks like a PRISM date token.
func IsDateToken(s string) bool {
	return dateTokenPattern.MatchString(s)
}

// DateFromFilename extracts the trailing date token from a raw archive
// filename (e.g. "prism_tmax_us_25m_20230101.zip" -> "20230101").
// The second return value is false when the stem carries no valid token.
func DateFromFilename(filename string) (string, bool) {
	stem := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	parts := strings.Split(stem, "_")
	token := parts[len(parts)-1]
	if !IsDateToken(token) {
		return "", false
	}
	return token, true
}
