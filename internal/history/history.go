// Package history keeps an append-only log of pipeline runs in SQLite.
//
// The pipeline store only remembers the last run of each pipeline; the
// history database answers "what happened over the last N runs".
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
	_ "modernc.org/sqlite" // Register sqlite driver
)

//go:embed migrations/001_runs.sql
var migration string

// DefaultLimit caps List when no limit is given.
const DefaultLimit = 20

// fixed width so that text ordering matches time ordering
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Entry is one recorded run.
type Entry struct {
	RunID      string
	Pipeline   string
	Status     types.RunStatus
	JobID      types.JobID
	Window     types.Window
	Resumed    bool
	JobState   types.JobState
	ExitStatus types.ExitStatus
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration of the run.
func (e Entry) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}

type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database and applies the schema.
func Open(dsn string) (*DB, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// In-memory databases are per-connection.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(migration); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Record stores a finished run. Recording the same run id twice overwrites
// the earlier row.
func (d *DB) Record(ctx context.Context, r *types.RunResult) error {
	const query = `INSERT OR REPLACE INTO runs
		(run_id, pipeline, status, job_id, window_from, window_to, resumed,
		 job_state, exit_status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var jobState, exitStatus string
	if r.Job != nil {
		jobState = string(r.Job.State)
		if r.Job.Exit != nil {
			exitStatus = string(r.Job.Exit.Status)
		}
	}

	_, err := d.db.ExecContext(ctx, query,
		r.RunID, r.Pipeline, string(r.Status),
		nullString(string(r.JobID)),
		formatTime(r.Window.From), formatTime(r.Window.To),
		r.Resumed,
		nullString(jobState), nullString(exitStatus), nullString(r.Error),
		formatTime(r.StartedAt), formatTime(r.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.RunID, err)
	}
	return nil
}

// List returns the most recent runs, newest first. An empty pipeline lists
// every pipeline.
func (d *DB) List(ctx context.Context, pipeline string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT run_id, pipeline, status, job_id, window_from, window_to,
		resumed, job_state, exit_status, error, started_at, finished_at
		FROM runs WHERE 1=1`

	var args []any
	if pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, pipeline)
	}
	query += " ORDER BY started_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var status string
		var jobID, from, to, jobState, exitStatus, errMsg sql.NullString
		var started, finished string

		if err := rows.Scan(
			&e.RunID, &e.Pipeline, &status, &jobID, &from, &to,
			&e.Resumed, &jobState, &exitStatus, &errMsg, &started, &finished,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}

		e.Status = types.RunStatus(status)
		e.JobID = types.JobID(jobID.String)
		e.Window.From = parseTime(from.String)
		e.Window.To = parseTime(to.String)
		e.JobState = types.JobState(jobState.String)
		e.ExitStatus = types.ExitStatus(exitStatus.String)
		e.Error = errMsg.String
		e.StartedAt = parseTime(started)
		e.FinishedAt = parseTime(finished)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
