// Package ledger persists merge runs and their per-line outcomes into an
// on-disk SQLite database so failed outputs can be queried after the fact.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/example/cgmerge/internal/merge"
	_ "modernc.org/sqlite"
)

const (
	createRunsTableStmt = `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    manifest TEXT,
    output_dir TEXT,
    workers INTEGER,
    total INTEGER,
    processed INTEGER,
    succeeded INTEGER,
    failed INTEGER,
    bytes_written INTEGER,
    elapsed_seconds REAL,
    cache_hits INTEGER,
    cache_misses INTEGER,
    decodes INTEGER,
    interrupted INTEGER NOT NULL DEFAULT 0
);`
	createLinesTableStmt = `
CREATE TABLE IF NOT EXISTS lines (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id INTEGER NOT NULL REFERENCES runs(id),
    recorded_at TEXT NOT NULL,
    output TEXT,
    components TEXT,
    path TEXT,
    bytes INTEGER,
    digest TEXT,
    duration_ms INTEGER,
    ok INTEGER NOT NULL,
    error TEXT
);`
	createIndexesStmt = `
CREATE INDEX IF NOT EXISTS idx_lines_run ON lines(run_id);
CREATE INDEX IF NOT EXISTS idx_lines_output ON lines(output);
CREATE INDEX IF NOT EXISTS idx_lines_failed ON lines(run_id, ok);`
	insertRunStmt  = `INSERT INTO runs(started_at) VALUES(?)`
	insertLineStmt = `INSERT INTO lines(run_id, recorded_at, output, components, path, bytes, digest, duration_ms, ok, error) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	discardRunStmt = `DELETE FROM runs WHERE id = ?`
	finishRunStmt  = `UPDATE runs SET finished_at = ?, manifest = ?, output_dir = ?, workers = ?, total = ?, processed = ?, succeeded = ?, failed = ?, bytes_written = ?, elapsed_seconds = ?, cache_hits = ?, cache_misses = ?, decodes = ?, interrupted = ? WHERE id = ?`
)

// Writer records one run. It implements merge.Recorder.
type Writer struct {
	db     *sql.DB
	insert *sql.Stmt
	runID  int64
	now    func() time.Time

	recorded atomic.Int64
	finished atomic.Bool
}

var _ merge.Recorder = (*Writer)(nil)

// New opens (or creates) the SQLite file at path, ensures the schema and
// starts a new run row.
func New(path string) (*Writer, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("ledger path cannot be empty")
	}
	dir := filepath.Dir(p)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, stmt := range []struct{ name, sql string }{
		{"runs table", createRunsTableStmt},
		{"lines table", createLinesTableStmt},
		{"indexes", createIndexesStmt},
	} {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure %s: %w", stmt.name, err)
		}
	}
	w := &Writer{db: db, now: time.Now}
	res, err := db.ExecContext(ctx, insertRunStmt, w.timestamp())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("start run: %w", err)
	}
	if w.runID, err = res.LastInsertId(); err != nil {
		db.Close()
		return nil, fmt.Errorf("start run: %w", err)
	}
	if w.insert, err = db.PrepareContext(ctx, insertLineStmt); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare insert statement: %w", err)
	}
	return w, nil
}

// RunID identifies the run row this writer fills in.
func (w *Writer) RunID() int64 {
	if w == nil {
		return 0
	}
	return w.runID
}

// Record stores one line outcome.
func (w *Writer) Record(ctx context.Context, r merge.Result) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	components, err := json.Marshal(r.Components)
	if err != nil {
		return fmt.Errorf("encode components: %w", err)
	}
	var errText any
	if r.Err != nil {
		errText = r.Err.Error()
	}
	_, err = w.insert.ExecContext(
		ctx,
		w.runID,
		w.timestamp(),
		r.Output,
		string(components),
		r.Path,
		r.Bytes,
		r.Digest.String(),
		r.Duration.Milliseconds(),
		boolInt(r.OK()),
		errText,
	)
	if err != nil {
		return err
	}
	w.recorded.Add(1)
	return nil
}

// Finish stamps the run row with the final totals.
func (w *Writer) Finish(ctx context.Context, s merge.Summary) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := w.db.ExecContext(ctx, finishRunStmt,
		w.timestamp(),
		s.Manifest,
		s.OutputDir,
		s.Workers,
		s.Total,
		s.Processed,
		s.Succeeded,
		s.Failed,
		s.BytesWritten,
		s.ElapsedSeconds,
		s.Cache.Hits,
		s.Cache.Misses,
		s.Cache.Decodes,
		boolInt(s.Interrupted),
		w.runID,
	)
	if err != nil {
		return fmt.Errorf("finish run %d: %w", w.runID, err)
	}
	w.finished.Store(true)
	return nil
}

// Close releases database resources. A run that was never finished and
// recorded no lines is removed so it cannot shadow the previous run.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	var err error
	if w.db != nil && !w.finished.Load() && w.recorded.Load() == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, derr := w.db.ExecContext(ctx, discardRunStmt, w.runID); derr != nil {
			err = fmt.Errorf("discard run %d: %w", w.runID, derr)
		}
		cancel()
	}
	if w.insert != nil {
		err = errors.Join(err, w.insert.Close())
	}
	if w.db != nil {
		err = errors.Join(err, w.db.Close())
	}
	return err
}

func (w *Writer) timestamp() string {
	return w.now().UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
