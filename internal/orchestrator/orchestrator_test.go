package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/brensch/prismparquet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))
}

func TestDiscoverDates(t *testing.T) {
	raw := t.TempDir()
	touch(t, filepath.Join(raw, "ppt", "daily", "2023", "prism_ppt_us_25m_20230101.zip"))
	touch(t, filepath.Join(raw, "tmax", "daily", "2023", "prism_tmax_us_25m_20230101.zip"))
	touch(t, filepath.Join(raw, "ppt", "daily", "2023", "prism_ppt_us_25m_20230102.zip"))
	touch(t, filepath.Join(raw, "ppt", "monthly", "2022", "prism_ppt_us_25m_202201.zip"))
	touch(t, filepath.Join(raw, "ppt", "daily", "2023", "notes.txt"))
	touch(t, filepath.Join(raw, "ppt", "daily", "2023", "prism_ppt_us_25m.zip")) // no date token

	cfg := &config.Config{RawDir: raw}
	dates, err := DiscoverDates(cfg)
	require.NoError(t, err)
	// Shared dates are deduplicated, and the result is sorted.
	assert.Equal(t, []string{"202201", "20230101", "20230102"}, dates)
}

func TestDiscoverDatesFilters(t *testing.T) {
	raw := t.TempDir()
	touch(t, filepath.Join(raw, "ppt", "daily", "2023", "prism_ppt_us_25m_20230101.zip"))
	touch(t, filepath.Join(raw, "tmax", "daily", "2022", "prism_tmax_us_25m_20221231.zip"))
	touch(t, filepath.Join(raw, "ppt", "monthly", "2022", "prism_ppt_us_25m_202201.zip"))

	cfg := &config.Config{RawDir: raw, Variables: []string{"ppt"}}
	dates, err := DiscoverDates(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"202201", "20230101"}, dates)

	cfg = &config.Config{RawDir: raw, TimeSteps: []string{"daily"}}
	dates, err = DiscoverDates(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"20221231", "20230101"}, dates)

	cfg = &config.Config{RawDir: raw, Years: []int{2022}}
	dates, err = DiscoverDates(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"202201", "20221231"}, dates)

	cfg = &config.Config{RawDir: raw, Variables: []string{"tmax"}, TimeSteps: []string{"monthly"}}
	dates, err = DiscoverDates(cfg)
	require.NoError(t, err)
	assert.Empty(t, dates)
}

// stubProcessDate replaces the per-date processor and records every date
// attempted, restoring the real one afterwards.
func stubProcessDate(t *testing.T, fn func(date string) (bool, error)) *[]string {
	t.Helper()
	var mu sync.Mutex
	var attempted []string
	orig := processDate
	processDate = func(ctx context.Context, cfg *config.Config, logger *slog.Logger, date string) (bool, error) {
		mu.Lock()
		attempted = append(attempted, date)
		mu.Unlock()
		return fn(date)
	}
	t.Cleanup(func() { processDate = orig })
	return &attempted
}

func TestRunIsolatesFailures(t *testing.T) {
	boom := errors.New("broken raster")
	attempted := stubProcessDate(t, func(date string) (bool, error) {
		if date == "20230101" {
			return false, boom
		}
		return false, nil
	})

	cfg := &config.Config{NumWorkers: 2}
	err := Run(context.Background(), cfg, nil, testLogger(), []string{"20230101", "20230102"}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "20230101")
	// Both dates were attempted despite the failure.
	assert.ElementsMatch(t, []string{"20230101", "20230102"}, *attempted)
}

func TestRunEmitsEvents(t *testing.T) {
	stubProcessDate(t, func(date string) (bool, error) {
		switch date {
		case "20230101":
			return true, nil
		case "20230102":
			return false, errors.New("bad date")
		default:
			return false, nil
		}
	})

	cfg := &config.Config{NumWorkers: 1}
	events := make(chan Event, 16)
	err := Run(context.Background(), cfg, nil, testLogger(),
		[]string{"20230101", "20230102", "20230103"}, events)
	require.Error(t, err)

	terminal := make(map[string]Phase)
	for ev := range events { // Run closes the channel
		if ev.Phase != PhaseStarted {
			terminal[ev.Date] = ev.Phase
		}
	}
	assert.Equal(t, PhaseSkipped, terminal["20230101"])
	assert.Equal(t, PhaseFailed, terminal["20230102"])
	assert.Equal(t, PhaseDone, terminal["20230103"])
}

func TestRunNoDates(t *testing.T) {
	attempted := stubProcessDate(t, func(string) (bool, error) { return false, nil })
	cfg := &config.Config{NumWorkers: 4}
	events := make(chan Event, 1)
	err := Run(context.Background(), cfg, nil, testLogger(), nil, events)
	require.NoError(t, err)
	assert.Empty(t, *attempted)
	_, open := <-events
	assert.False(t, open, "events channel is closed even when there is nothing to do")
}
