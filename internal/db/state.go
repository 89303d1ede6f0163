package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/marcboeker/go-duckdb" // Driver
)

// Event types recorded in the log.
const (
	EventDiscovered   = "discovered"
	EventFetchStart   = "fetch_start"
	EventFetchEnd     = "fetch_end"
	EventProcessStart = "process_start"
	EventProcessEnd   = "process_end"
	EventSkipFetch    = "skip_fetch"
	EventSkipProcess  = "skip_process"
	EventError        = "error"
)

// Subject kinds: an archive is one raster zip identified by URL or path,
// a date is one batch item identified by its date token.
const (
	KindArchive = "archive"
	KindDate    = "date"
)

const schemaSequenceSQL = `CREATE SEQUENCE IF NOT EXISTS prism_event_log_id_seq;`
const schemaTableSQL = `
CREATE TABLE IF NOT EXISTS prism_event_log (
    log_id          BIGINT PRIMARY KEY DEFAULT nextval('prism_event_log_id_seq'),
    subject         VARCHAR NOT NULL,      -- archive URL/path or date token
    kind            VARCHAR NOT NULL,      -- 'archive', 'date'
    event           VARCHAR NOT NULL,
    event_timestamp TIMESTAMP NOT NULL,
    output_path     VARCHAR,
    message         VARCHAR,
    duration_ms     BIGINT
);
CREATE INDEX IF NOT EXISTS idx_prism_event_log_subject ON prism_event_log (subject, kind);
CREATE INDEX IF NOT EXISTS idx_prism_event_log_event_time ON prism_event_log (event, event_timestamp);
`

// InitializeSchema creates the sequence and table in the correct order.
func InitializeSchema(db *sql.DB) error {
	_, err := db.Exec(schemaSequenceSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute sequence setup: %w", err)
	}
	_, err = db.Exec(schemaTableSQL)
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to execute table/index setup: %w", err)
	}
	return nil
}

// LogEvent inserts one event record. A nil db is a no-op so callers don't
// have to guard every call site when state tracking is disabled.
func LogEvent(ctx context.Context, db *sql.DB, subject, kind, event, outputPath, message string, duration *time.Duration) error {
	if db == nil {
		return nil
	}
	query := `
        INSERT INTO prism_event_log (subject, kind, event, event_timestamp, output_path, message, duration_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?);
    `
	var durationMs sql.NullInt64
	if duration != nil {
		durationMs = sql.NullInt64{Int64: duration.Milliseconds(), Valid: true}
	}
	_, err := db.ExecContext(ctx, query,
		subject,
		kind,
		event,
		time.Now().UTC(),
		sql.NullString{String: outputPath, Valid: outputPath != ""},
		sql.NullString{String: message, Valid: message != ""},
		durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to log event '%s' for '%s': %w", event, subject, err)
	}
	return nil
}

// GetLatestEvent retrieves the most recent event record for one subject.
func GetLatestEvent(ctx context.Context, db *sql.DB, subject, kind string) (event string, timestamp time.Time, message string, found bool, err error) {
	query := `
        SELECT event, event_timestamp, message
        FROM prism_event_log
        WHERE subject = ? AND kind = ?
        ORDER BY event_timestamp DESC, log_id DESC
        LIMIT 1;
    `
	var msg sql.NullString
	row := db.QueryRowContext(ctx, query, subject, kind)
	err = row.Scan(&event, &timestamp, &msg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", time.Time{}, "", false, nil
		}
		return "", time.Time{}, "", false, fmt.Errorf("failed query latest event for '%s' (%s): %w", subject, kind, err)
	}
	return event, timestamp, msg.String, true, nil
}

// CompletedSet returns the subjects of the given kind that have ever
// recorded the given event.
func CompletedSet(ctx context.Context, db *sql.DB, kind, event string) (map[string]bool, error) {
	completed := make(map[string]bool)
	if db == nil {
		return completed, nil
	}
	query := `SELECT DISTINCT subject FROM prism_event_log WHERE kind = ? AND event = ?;`
	rows, err := db.QueryContext(ctx, query, kind, event)
	if err != nil {
		return nil, fmt.Errorf("failed query completed set (kind=%s, event=%s): %w", kind, event, err)
	}
	defer rows.Close()
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("failed scanning completed subject: %w", err)
		}
		completed[subject] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating completed subjects: %w", err)
	}
	return completed, nil
}

// DisplayHistory queries and prints the event log.
func DisplayHistory(ctx context.Context, db *sql.DB, kindFilter, eventFilter string, limit int) error {
	query := `
        SELECT subject, kind, event, event_timestamp, message, duration_ms, output_path
        FROM prism_event_log
    `
	conditions := []string{}
	args := []any{}
	argCounter := 1

	if kindFilter != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argCounter))
		args = append(args, kindFilter)
		argCounter++
	}
	if eventFilter != "" {
		conditions = append(conditions, fmt.Sprintf("event = $%d", argCounter))
		args = append(args, eventFilter)
		argCounter++
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY event_timestamp DESC, log_id DESC LIMIT $%d", argCounter)
	args = append(args, limit)

	fmt.Printf("--- Event Log History (Limit %d) ---\n", limit)
	fmt.Printf("%-50s | %-8s | %-15s | %-25s | %-10s | %s\n", "Subject", "Kind", "Event", "Timestamp (UTC)", "DurationMS", "Message/Details")
	fmt.Println(strings.Repeat("-", 140))

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query event log: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var subject, kind, event string
		var timestamp time.Time
		var message, outputPath sql.NullString
		var durationMs sql.NullInt64
		if err := rows.Scan(&subject, &kind, &event, &timestamp, &message, &durationMs, &outputPath); err != nil {
			return fmt.Errorf("failed to scan event log row: %w", err)
		}

		durationStr := ""
		if durationMs.Valid {
			durationStr = fmt.Sprintf("%d", durationMs.Int64)
		}
		details := message.String
		if outputPath.Valid && outputPath.String != "" {
			details += fmt.Sprintf(" (Output: %s)", filepath.Base(outputPath.String))
		}

		fmt.Printf("%-50s | %-8s | %-15s | %-25s | %-10s | %s\n",
			subject, kind, event, timestamp.Format(time.RFC3339), durationStr, details)
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating event log rows: %w", err)
	}
	fmt.Printf("Displayed %d records.\n", count)
	return nil
}
