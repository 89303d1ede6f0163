package downloader

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brensch/prismparquet/internal/config"
	"github.com/brensch/prismparquet/internal/db"
	"github.com/brensch/prismparquet/internal/util"

	"golang.org/x/net/html"
)

// The PRISM web server is picky about clients that look like bots, so
// requests rotate through a handful of realistic user agents.
var commonUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.5.1 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/113.0.0.0 Safari/537.36",
}

func getRandomUserAgent() string {
	if len(commonUserAgents) == 0 {
		return "PrismParquet/1.0 (Go-client)"
	}
	return commonUserAgents[rand.Intn(len(commonUserAgents))]
}

// FetchAll mirrors raster archives for every configured variable,
// timestep, and year combination into the raw directory. The mirror is
// add-only: archives already on disk are never re-downloaded or deleted,
// so a partial run resumes where it left off. Failures for one
// combination are joined into the returned error and never stop the rest.
func FetchAll(ctx context.Context, cfg *config.Config, dbConn *sql.DB, logger *slog.Logger) error {
	client := util.DefaultHTTPClient()
	var finalErr error

	variables := cfg.Variables
	if len(variables) == 0 {
		variables = []string{"ppt", "tmin", "tmax"}
	}
	timesteps := cfg.TimeSteps
	if len(timesteps) == 0 {
		timesteps = []string{"daily", "monthly"}
	}

	for _, variable := range variables {
		for _, timestep := range timesteps {
			if err := ctx.Err(); err != nil {
				return errors.Join(finalErr, err)
			}
			years := cfg.Years
			if len(years) == 0 {
				discovered, err := discoverYears(ctx, client, cfg.BaseURL, variable, timestep)
				if err != nil {
					logger.Warn("Failed to list years, skipping combination.",
						slog.String("variable", variable),
						slog.String("timestep", timestep),
						slog.String("error", err.Error()),
					)
					finalErr = errors.Join(finalErr, fmt.Errorf("list years %s/%s: %w", variable, timestep, err))
					continue
				}
				years = discovered
			}
			for _, year := range years {
				if err := fetchYear(ctx, cfg, dbConn, logger, client, variable, timestep, year); err != nil {
					finalErr = errors.Join(finalErr, fmt.Errorf("fetch %s/%s/%d: %w", variable, timestep, year, err))
				}
			}
		}
	}
	return finalErr
}

// discoverYears scrapes the year subdirectories from one variable and
// timestep index page.
func discoverYears(ctx context.Context, client *http.Client, baseURL, variable, timestep string) ([]int, error) {
	indexURL := joinURL(baseURL, variable, timestep) + "/"
	root, err := fetchIndex(ctx, client, indexURL)
	if err != nil {
		return nil, err
	}
	var years []int
	for _, link := range util.ParseLinks(root, "/") {
		seg := strings.Trim(path.Base(strings.TrimSuffix(link, "/")), "/")
		if y, err := strconv.Atoi(seg); err == nil && y >= 1800 && y <= 2200 {
			years = append(years, y)
		}
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("no year directories listed at %s", indexURL)
	}
	return years, nil
}

// fetchYear downloads every missing archive listed under one year index.
func fetchYear(ctx context.Context, cfg *config.Config, dbConn *sql.DB, logger *slog.Logger, client *http.Client, variable, timestep string, year int) error {
	indexURL := joinURL(cfg.BaseURL, variable, timestep, strconv.Itoa(year)) + "/"
	l := logger.With(
		slog.String("variable", variable),
		slog.String("timestep", timestep),
		slog.Int("year", year),
	)
	l.Debug("Checking index page.", slog.String("url", indexURL))

	root, err := fetchIndex(ctx, client, indexURL)
	if err != nil {
		return err
	}
	base, err := url.Parse(indexURL)
	if err != nil {
		return fmt.Errorf("parse index url: %w", err)
	}

	links := util.ParseLinks(root, ".zip")
	if len(links) == 0 {
		l.Warn("Index page lists no archives.")
		return nil
	}

	outDir := filepath.Join(cfg.RawDir, variable, timestep, strconv.Itoa(year))
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("create mirror dir %s: %w", outDir, err)
	}

	var finalErr error
	downloaded, skipped := 0, 0
	for _, link := range links {
		if err := ctx.Err(); err != nil {
			return errors.Join(finalErr, err)
		}
		abs, err := base.Parse(link)
		if err != nil {
			l.Warn("Failed to resolve archive link.", slog.String("link", link), slog.String("error", err.Error()))
			continue
		}
		zipURL := abs.String()
		outPath := filepath.Join(outDir, path.Base(abs.Path))

		if _, err := os.Stat(outPath); err == nil {
			skipped++
			logEvent(ctx, dbConn, l, zipURL, db.EventSkipFetch, outPath, "", nil)
			continue
		}
		if err := fetchArchive(ctx, dbConn, l, client, zipURL, outPath); err != nil {
			finalErr = errors.Join(finalErr, err)
			continue
		}
		downloaded++
	}
	l.Info("Year mirror complete.",
		slog.Int("downloaded", downloaded),
		slog.Int("skipped", skipped),
		slog.Int("listed", len(links)),
	)
	return finalErr
}

// fetchArchive downloads one archive to a temporary name and renames it
// into place so an interrupted transfer never looks like a mirrored file.
func fetchArchive(ctx context.Context, dbConn *sql.DB, logger *slog.Logger, client *http.Client, zipURL, outPath string) error {
	start := time.Now()
	l := logger.With(slog.String("zip_url", zipURL), slog.String("output_path", outPath))
	l.Info("Starting download.")
	logEvent(ctx, dbConn, l, zipURL, db.EventFetchStart, outPath, "", nil)

	req, err := http.NewRequestWithContext(ctx, "GET", zipURL, nil)
	if err != nil {
		reqErr := fmt.Errorf("create request: %w", err)
		logEvent(ctx, dbConn, l, zipURL, db.EventError, outPath, reqErr.Error(), nil)
		return reqErr
	}
	req.Header.Set("User-Agent", getRandomUserAgent())
	req.Header.Set("Accept", "application/zip,application/octet-stream,*/*")

	data, err := util.DownloadFile(client, req)
	elapsed := time.Since(start)
	if err != nil {
		dlErr := fmt.Errorf("download %s: %w", zipURL, err)
		logEvent(ctx, dbConn, l, zipURL, db.EventError, outPath, dlErr.Error(), &elapsed)
		l.Error("Download failed.", slog.String("error", dlErr.Error()), slog.Duration("duration", elapsed.Round(time.Millisecond)))
		return dlErr
	}

	tmp := outPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		saveErr := fmt.Errorf("save %s: %w", outPath, err)
		logEvent(ctx, dbConn, l, zipURL, db.EventError, outPath, saveErr.Error(), &elapsed)
		return saveErr
	}
	if err := os.Rename(tmp, outPath); err != nil {
		os.Remove(tmp)
		commitErr := fmt.Errorf("commit %s: %w", outPath, err)
		logEvent(ctx, dbConn, l, zipURL, db.EventError, outPath, commitErr.Error(), &elapsed)
		return commitErr
	}

	elapsed = time.Since(start)
	logEvent(ctx, dbConn, l, zipURL, db.EventFetchEnd, outPath, "", &elapsed)
	l.Debug("Download complete.", slog.Int("bytes", len(data)), slog.Duration("duration", elapsed.Round(time.Millisecond)))
	return nil
}

// logEvent records an archive lifecycle event, logging rather than
// failing when the state database rejects the write.
func logEvent(ctx context.Context, dbConn *sql.DB, logger *slog.Logger, zipURL, event, outPath, message string, duration *time.Duration) {
	if err := db.LogEvent(ctx, dbConn, zipURL, db.KindArchive, event, outPath, message, duration); err != nil {
		logger.Warn("failed to record state event",
			slog.String("zip_url", zipURL),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func fetchIndex(ctx context.Context, client *http.Client, indexURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", indexURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request %s: %w", indexURL, err)
	}
	req.Header.Set("User-Agent", getRandomUserAgent())

	data, err := util.DownloadFile(client, req)
	if err != nil {
		return nil, fmt.Errorf("fetch index %s: %w", indexURL, err)
	}
	root, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse index %s: %w", indexURL, err)
	}
	return root, nil
}

func joinURL(base string, segments ...string) string {
	out := strings.TrimRight(base, "/")
	for _, s := range segments {
		out += "/" + s
	}
	return out
}
