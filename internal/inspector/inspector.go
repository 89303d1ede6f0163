package inspector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/brensch/prismparquet/internal/config"

	_ "github.com/marcboeker/go-duckdb"
)

// Output filenames carry the date token between the prefix and extension.
var outputPatternRegex = regexp.MustCompile(`^prism_(\d{6}(\d{2})?)\.parquet$`)

// extractDate pulls the date token out of an output filename. Returns an
// error when the filename does not follow the output convention.
func extractDate(filename string) (string, error) {
	matches := outputPatternRegex.FindStringSubmatch(filename)
	if len(matches) > 1 {
		return matches[1], nil
	}
	return "", fmt.Errorf("filename '%s' does not match expected output pattern (prism_<date>.parquet)", filename)
}

// InspectParquet summarizes the processed county outputs: the shared
// schema, per-date row counts, and per-variable value ranges across every
// date, all computed by DuckDB reading the parquet files directly.
func InspectParquet(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("--- Starting Output Summary Inspection ---")

	db, err := sql.Open("duckdb", cfg.DbPath)
	if err != nil {
		return fmt.Errorf("failed to open duckdb (%s): %w", cfg.DbPath, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	logger.Debug("Installing and loading Parquet extension.")
	if _, err := conn.ExecContext(ctx, `INSTALL parquet; LOAD parquet;`); err != nil {
		logger.Warn("Failed install/load parquet extension.", "error", err)
	}

	globPattern := filepath.Join(cfg.CleanDir, "prism_*.parquet")
	parquetFiles, err := filepath.Glob(globPattern)
	if err != nil {
		return fmt.Errorf("failed glob parquet files in %s: %w", cfg.CleanDir, err)
	}
	if len(parquetFiles) == 0 {
		logger.Info("No processed outputs found.", "dir", cfg.CleanDir)
		return nil
	}
	logger.Info("Found outputs to summarize.", slog.Int("count", len(parquetFiles)), slog.String("dir", cfg.CleanDir))

	var namingErrors error
	dated := parquetFiles[:0:0]
	for _, fp := range parquetFiles {
		if _, err := extractDate(filepath.Base(fp)); err != nil {
			logger.Warn("Skipping file with unexpected name.", slog.String("file", filepath.Base(fp)), slog.String("error", err.Error()))
			namingErrors = errors.Join(namingErrors, err)
			continue
		}
		dated = append(dated, fp)
	}
	if len(dated) == 0 {
		logger.Info("No files matched the output naming convention.")
		return namingErrors
	}
	sort.Strings(dated)
	parquetFiles = dated

	// Schema from one representative file; every date shares the column
	// layout apart from which variables were mirrored.
	schemaStr, columnNames, schemaErr := getSchemaAndColumns(ctx, conn, parquetFiles[0])
	fmt.Println("\n--- Output Schema (representative) ---")
	if schemaErr != nil {
		fmt.Printf("  ERROR retrieving schema: %v\n", schemaErr)
	} else {
		fmt.Println(schemaStr)
	}

	fileListLiteral := sqlFileList(parquetFiles)

	// Per-date row counts.
	fmt.Println("\n--- Rows Per Date ---")
	fmt.Printf("%-10s | %s\n", "Date", "Regions")
	fmt.Println(strings.Repeat("-", 25))
	countSQL := fmt.Sprintf(`SELECT date, COUNT(*) FROM read_parquet(%s) GROUP BY date ORDER BY date;`, fileListLiteral)
	rows, err := conn.QueryContext(ctx, countSQL)
	var statsErr error
	if err != nil {
		statsErr = fmt.Errorf("per-date counts: %w", err)
		logger.Error("Failed counting rows per date.", "error", err)
	} else {
		for rows.Next() {
			var date sql.NullString
			var count sql.NullInt64
			if err := rows.Scan(&date, &count); err != nil {
				rows.Close()
				return fmt.Errorf("scan count row: %w", err)
			}
			fmt.Printf("%-10s | %d\n", date.String, count.Int64)
		}
		if err := rows.Err(); err != nil {
			statsErr = errors.Join(statsErr, err)
		}
		rows.Close()
	}

	// Per-variable value ranges. Every non-identifier column is a
	// variable mean.
	fmt.Println("\n--- Variable Statistics ---")
	fmt.Printf("%-10s | %-12s | %-12s | %-12s | %s\n", "Variable", "Min", "Avg", "Max", "Nulls")
	fmt.Println(strings.Repeat("-", 70))
	for _, col := range columnNames {
		switch strings.ToLower(col) {
		case "region_code", "canonical_id", "date":
			continue
		}
		statsSQL := fmt.Sprintf(
			`SELECT MIN(%[1]s), AVG(%[1]s), MAX(%[1]s), COUNT(*) - COUNT(%[1]s) FROM read_parquet(%[2]s);`,
			col, fileListLiteral,
		)
		var minV, avgV, maxV sql.NullFloat64
		var nulls sql.NullInt64
		if err := conn.QueryRowContext(ctx, statsSQL).Scan(&minV, &avgV, &maxV, &nulls); err != nil {
			statsErr = errors.Join(statsErr, fmt.Errorf("stats for %s: %w", col, err))
			logger.Error("Failed computing variable statistics.", slog.String("variable", col), "error", err)
			continue
		}
		fmt.Printf("%-10s | %-12s | %-12s | %-12s | %d\n",
			col, formatFloat(minV), formatFloat(avgV), formatFloat(maxV), nulls.Int64)
	}
	fmt.Println(strings.Repeat("-", 70))
	logger.Info("--- Output Summary Inspection Finished ---")

	finalErr := errors.Join(namingErrors, schemaErr, statsErr)
	if finalErr != nil {
		logger.Warn("Inspection completed with errors.", "error", finalErr)
	}
	return finalErr
}

func formatFloat(v sql.NullFloat64) string {
	if !v.Valid {
		return "N/A"
	}
	return fmt.Sprintf("%.3f", v.Float64)
}

// sqlFileList renders file paths as a DuckDB list literal, escaping
// quotes and normalizing separators.
func sqlFileList(paths []string) string {
	escaped := make([]string, 0, len(paths))
	for _, p := range paths {
		dp := strings.ReplaceAll(p, `\`, `/`)
		ep := strings.ReplaceAll(dp, "'", "''")
		escaped = append(escaped, fmt.Sprintf("'%s'", ep))
	}
	return fmt.Sprintf("[%s]", strings.Join(escaped, ", "))
}

func getSchemaAndColumns(ctx context.Context, conn *sql.Conn, filePath string) (schemaString string, columnNames []string, err error) {
	duckdbFilePath := strings.ReplaceAll(filePath, `\`, `/`)
	escapedFilePath := strings.ReplaceAll(duckdbFilePath, "'", "''")
	describeSQL := fmt.Sprintf("DESCRIBE SELECT * FROM read_parquet('%s');", escapedFilePath)
	schemaRows, err := conn.QueryContext(ctx, describeSQL)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "No files found") {
			return "(File not found or empty)", nil, nil
		}
		return "", nil, fmt.Errorf("query schema for %s: %w", filePath, err)
	}
	defer schemaRows.Close()

	var schemaBuilder strings.Builder
	schemaBuilder.WriteString(fmt.Sprintf("  %-30s | %-20s | %s\n", "Column Name", "Column Type", "Null"))
	schemaBuilder.WriteString("  " + strings.Repeat("-", 60) + "\n")
	columnCount := 0
	for schemaRows.Next() {
		var colName, colType, nullVal, keyVal, defaultVal, extraVal sql.NullString
		if scanErr := schemaRows.Scan(&colName, &colType, &nullVal, &keyVal, &defaultVal, &extraVal); scanErr != nil {
			return "", nil, fmt.Errorf("scan schema row for %s: %w", filePath, scanErr)
		}
		schemaBuilder.WriteString(fmt.Sprintf("  %-30s | %-20s | %s\n", colName.String, colType.String, nullVal.String))
		if colName.Valid {
			columnNames = append(columnNames, colName.String)
		}
		columnCount++
	}
	if err = schemaRows.Err(); err != nil {
		return "", nil, fmt.Errorf("iterate schema rows for %s: %w", filePath, err)
	}
	if columnCount == 0 {
		return "(No columns found)", nil, nil
	}
	return strings.TrimRight(schemaBuilder.String(), "\n"), columnNames, nil
}
