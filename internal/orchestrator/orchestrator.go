package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/brensch/prismparquet/internal/config"
	"github.com/brensch/prismparquet/internal/db"
	"github.com/brensch/prismparquet/internal/model"
	"github.com/brensch/prismparquet/internal/processor"
)

// processDate is swapped out in tests.
var processDate = processor.ProcessDate

// Phase describes where one date is in its lifecycle.
type Phase string

const (
	PhaseStarted Phase = "started"
	PhaseSkipped Phase = "skipped"
	PhaseDone    Phase = "done"
	PhaseFailed  Phase = "failed"
)

// Event is one progress update for a date, forwarded to the UI layer.
type Event struct {
	Date    string
	Phase   Phase
	Err     error
	Elapsed time.Duration
	// TotalDates and DatesFinished let the UI render overall progress.
	TotalDates    int
	DatesFinished int
}

// DiscoverDates scans the raw mirror for archive dates matching the
// configured variable, timestep, and year filters. The returned tokens are
// deduplicated and sorted.
func DiscoverDates(cfg *config.Config) ([]string, error) {
	seen := make(map[string]bool)
	err := filepath.WalkDir(cfg.RawDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".zip") {
			return nil
		}
		rel, relErr := filepath.Rel(cfg.RawDir, path)
		if relErr != nil {
			rel = path
		}
		if !matchesFilters(cfg, filepath.ToSlash(rel)) {
			return nil
		}
		if token, ok := model.DateFromFilename(d.Name()); ok {
			seen[token] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover dates under %s: %w", cfg.RawDir, err)
	}
	dates := make([]string, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates, nil
}

// matchesFilters applies the variable, timestep, and year selections to
// the path segments of one archive, relative to the raw mirror root. An
// empty filter matches everything; a set filter requires a matching
// segment somewhere in the path.
func matchesFilters(cfg *config.Config, rel string) bool {
	segments := strings.Split(rel, "/")
	if !segmentMatch(segments, cfg.Variables) {
		return false
	}
	if !segmentMatch(segments, cfg.TimeSteps) {
		return false
	}
	if len(cfg.Years) > 0 {
		found := false
		for _, seg := range segments {
			if y, err := strconv.Atoi(seg); err == nil {
				for _, want := range cfg.Years {
					if y == want {
						found = true
					}
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func segmentMatch(segments, wanted []string) bool {
	if len(wanted) == 0 {
		return true
	}
	for _, seg := range segments {
		for _, w := range wanted {
			if strings.EqualFold(seg, w) {
				return true
			}
		}
	}
	return false
}

// Run processes the given dates concurrently. Each date is independent:
// one failing date is reported and joined into the returned error, but
// never stops the others. Events are forwarded to the provided channel
// when it is non-nil, and the channel is closed before returning.
func Run(ctx context.Context, cfg *config.Config, dbConn *sql.DB, logger *slog.Logger, dates []string, events chan<- Event) error {
	if events != nil {
		defer close(events)
	}
	if len(dates) == 0 {
		logger.Info("no dates to process")
		return nil
	}
	logger.Info("starting date workers",
		slog.Int("dates", len(dates)),
		slog.Int("workers", cfg.NumWorkers),
	)

	type dateResult struct {
		date    string
		skipped bool
		err     error
		elapsed time.Duration
	}

	jobs := make(chan string, len(dates))
	results := make(chan dateResult, len(dates))

	var wg sync.WaitGroup
	for i := 0; i < cfg.NumWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for date := range jobs {
				start := time.Now()
				if events != nil {
					events <- Event{Date: date, Phase: PhaseStarted, TotalDates: len(dates)}
				}
				logEvent(ctx, dbConn, logger, date, db.EventProcessStart, "", nil)

				skipped, err := processDate(ctx, cfg, logger, date)
				elapsed := time.Since(start)

				switch {
				case err != nil:
					logger.Error("date failed",
						slog.String("date", date),
						slog.Int("worker", workerID),
						slog.String("error", err.Error()),
					)
					logEvent(ctx, dbConn, logger, date, db.EventError, err.Error(), &elapsed)
				case skipped:
					logger.Debug("date skipped", slog.String("date", date))
					logEvent(ctx, dbConn, logger, date, db.EventSkipProcess, "", &elapsed)
				default:
					logger.Info("date done",
						slog.String("date", date),
						slog.Duration("elapsed", elapsed),
					)
					logEvent(ctx, dbConn, logger, date, db.EventProcessEnd, "", &elapsed)
				}
				results <- dateResult{date: date, skipped: skipped, err: err, elapsed: elapsed}
			}
		}(i)
	}

	for _, date := range dates {
		jobs <- date
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var overallErr error
	finished := 0
	for res := range results {
		finished++
		if events != nil {
			ev := Event{
				Date:          res.date,
				Elapsed:       res.elapsed,
				TotalDates:    len(dates),
				DatesFinished: finished,
			}
			switch {
			case res.err != nil:
				ev.Phase = PhaseFailed
				ev.Err = res.err
			case res.skipped:
				ev.Phase = PhaseSkipped
			default:
				ev.Phase = PhaseDone
			}
			events <- ev
		}
		if res.err != nil {
			overallErr = errors.Join(overallErr, fmt.Errorf("date %s: %w", res.date, res.err))
		}
	}

	logger.Info("all date workers finished",
		slog.Int("dates", len(dates)),
		slog.Bool("errors", overallErr != nil),
	)
	return overallErr
}

// logEvent records a date lifecycle event, logging rather than failing
// when the state database rejects the write.
func logEvent(ctx context.Context, dbConn *sql.DB, logger *slog.Logger, date, event, message string, duration *time.Duration) {
	if err := db.LogEvent(ctx, dbConn, date, db.KindDate, event, "", message, duration); err != nil {
		logger.Warn("failed to record state event",
			slog.String("date", date),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
