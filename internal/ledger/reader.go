package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNoRuns is returned when the ledger holds no runs yet.
var ErrNoRuns = errors.New("ledger has no runs")

// Run is a stored run row.
type Run struct {
	ID             int64     `json:"id"`
	StartedAt      time.Time `json:"startedAt"`
	FinishedAt     time.Time `json:"finishedAt,omitempty"`
	Manifest       string    `json:"manifest"`
	OutputDir      string    `json:"outputDir"`
	Workers        int       `json:"workers"`
	Total          int       `json:"total"`
	Processed      int64     `json:"processed"`
	Succeeded      int64     `json:"succeeded"`
	Failed         int64     `json:"failed"`
	BytesWritten   int64     `json:"bytesWritten"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
	Interrupted    bool      `json:"interrupted,omitempty"`
}

// Failure is a stored failed line.
type Failure struct {
	Output     string   `json:"output"`
	Components []string `json:"components"`
	Error      string   `json:"error"`
}

// LastRun reads the most recent run in the ledger at path together with its
// failed lines.
func LastRun(ctx context.Context, path string) (Run, []Failure, error) {
	if _, err := os.Stat(path); err != nil {
		return Run{}, nil, fmt.Errorf("open ledger: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return Run{}, nil, fmt.Errorf("open sqlite database: %w", err)
	}
	defer db.Close()

	var (
		run                  Run
		started              string
		finished, manifest   sql.NullString
		outputDir            sql.NullString
		workers, total       sql.NullInt64
		processed, succeeded sql.NullInt64
		failed, bytesWritten sql.NullInt64
		elapsed              sql.NullFloat64
		interrupted          int
	)
	row := db.QueryRowContext(ctx, `SELECT id, started_at, finished_at, manifest, output_dir, workers, total, processed, succeeded, failed, bytes_written, elapsed_seconds, interrupted FROM runs ORDER BY id DESC LIMIT 1`)
	err = row.Scan(&run.ID, &started, &finished, &manifest, &outputDir, &workers, &total, &processed, &succeeded, &failed, &bytesWritten, &elapsed, &interrupted)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, nil, ErrNoRuns
	}
	if err != nil {
		return Run{}, nil, fmt.Errorf("read last run: %w", err)
	}
	run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	run.Manifest = manifest.String
	run.OutputDir = outputDir.String
	run.Workers = int(workers.Int64)
	run.Total = int(total.Int64)
	run.Processed = processed.Int64
	run.Succeeded = succeeded.Int64
	run.Failed = failed.Int64
	run.BytesWritten = bytesWritten.Int64
	run.ElapsedSeconds = elapsed.Float64
	run.Interrupted = interrupted != 0

	rows, err := db.QueryContext(ctx, `SELECT output, components, error FROM lines WHERE run_id = ? AND ok = 0 ORDER BY output`, run.ID)
	if err != nil {
		return run, nil, fmt.Errorf("read failed lines: %w", err)
	}
	defer rows.Close()
	var failures []Failure
	for rows.Next() {
		var (
			f          Failure
			components string
			msg        sql.NullString
		)
		if err := rows.Scan(&f.Output, &components, &msg); err != nil {
			return run, nil, fmt.Errorf("scan failed line: %w", err)
		}
		_ = json.Unmarshal([]byte(components), &f.Components)
		f.Error = msg.String
		failures = append(failures, f)
	}
	return run, failures, rows.Err()
}
