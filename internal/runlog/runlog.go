// Package runlog records pipeline runs and their per-pass results in SQLite.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/openretro/retrohd/internal/model"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = eris.New("runlog: run not found")

// Filter narrows ListRuns.
type Filter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Agent  string          `json:"agent,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Log is the SQLite-backed run history.
type Log struct {
	db *sql.DB
}

// Open opens the database at dsn, creating its directory when dsn is a file
// path, and configures WAL mode.
func Open(dsn string) (*Log, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, eris.Wrapf(err, "runlog: create directory for %s", dsn)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "runlog: exec %s", pragma)
		}
	}
	return &Log{db: db}, nil
}

const migration = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	agents      TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL,
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS pass_results (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL REFERENCES runs(id),
	agent       TEXT NOT NULL,
	status      TEXT NOT NULL,
	processed   INTEGER NOT NULL DEFAULT 0,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	failures    TEXT,
	outputs     TEXT,
	started_at  DATETIME NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
CREATE INDEX IF NOT EXISTS idx_pass_results_run_id ON pass_results(run_id);
`

// Migrate creates the tables if they do not exist.
func (l *Log) Migrate(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, migration)
	return eris.Wrap(err, "runlog: migrate")
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// CreateRun records a new running run over agents.
func (l *Log) CreateRun(ctx context.Context, agents []string) (*model.Run, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	agentsJSON, err := json.Marshal(agents)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: marshal agents")
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO runs (id, agents, status, started_at) VALUES (?, ?, ?, ?)`,
		id, string(agentsJSON), string(model.RunStatusRunning), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: insert run")
	}

	return &model.Run{
		ID:        id,
		Agents:    append([]string(nil), agents...),
		Status:    model.RunStatusRunning,
		StartedAt: now,
	}, nil
}

// FinishRun sets the final status of a run.
func (l *Log) FinishRun(ctx context.Context, runID string, status model.RunStatus, errMsg string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: finish run %s", runID)
	}
	return checkRowsAffected(res, runID)
}

// RecordPass appends a pass result to a run.
func (l *Log) RecordPass(ctx context.Context, runID string, r *model.PassResult) error {
	failures, err := marshalOptional(r.Failures, len(r.Failures))
	if err != nil {
		return eris.Wrap(err, "runlog: marshal failures")
	}
	outputs, err := marshalOptional(r.Outputs, len(r.Outputs))
	if err != nil {
		return eris.Wrap(err, "runlog: marshal outputs")
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO pass_results
			(run_id, agent, status, processed, succeeded, failed, skipped, error, failures, outputs, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, r.Agent, string(r.Status), r.Processed, r.Succeeded, r.Failed, r.Skipped,
		r.Error, failures, outputs, r.StartedAt.UTC(), r.Duration.Milliseconds(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return eris.Wrapf(ErrNotFound, "record pass for %s", runID)
		}
		return eris.Wrapf(err, "runlog: insert pass result for run %s", runID)
	}
	return nil
}

// GetRun returns a run with its pass results in execution order.
func (l *Log) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, agents, status, error, started_at, finished_at FROM runs WHERE id = ?`,
		runID,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, err
	}

	passes, err := l.passes(ctx, runID)
	if err != nil {
		return nil, err
	}
	r.Passes = passes
	return r, nil
}

// ListRuns returns runs newest first, without their pass results.
func (l *Log) ListRuns(ctx context.Context, filter Filter) ([]model.Run, error) {
	query := `SELECT id, agents, status, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Agent != "" {
		query += ` AND EXISTS (SELECT 1 FROM json_each(runs.agents) WHERE value = ?)`
		args = append(args, filter.Agent)
	}
	query += ` ORDER BY started_at DESC, rowid DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "runlog: list runs iterate")
}

func (l *Log) passes(ctx context.Context, runID string) ([]model.PassResult, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT agent, status, processed, succeeded, failed, skipped, error, failures, outputs, started_at, duration_ms
		FROM pass_results WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "runlog: list passes for %s", runID)
	}
	defer rows.Close()

	var out []model.PassResult
	for rows.Next() {
		var p model.PassResult
		var failures, outputs sql.NullString
		var durationMS int64
		if err := rows.Scan(&p.Agent, &p.Status, &p.Processed, &p.Succeeded, &p.Failed, &p.Skipped,
			&p.Error, &failures, &outputs, &p.StartedAt, &durationMS); err != nil {
			return nil, eris.Wrap(err, "runlog: scan pass")
		}
		if failures.Valid {
			if err := json.Unmarshal([]byte(failures.String), &p.Failures); err != nil {
				return nil, eris.Wrap(err, "runlog: unmarshal failures")
			}
		}
		if outputs.Valid {
			if err := json.Unmarshal([]byte(outputs.String), &p.Outputs); err != nil {
				return nil, eris.Wrap(err, "runlog: unmarshal outputs")
			}
		}
		p.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, p)
	}
	return out, eris.Wrap(rows.Err(), "runlog: list passes iterate")
}

func marshalOptional(v any, n int) (sql.NullString, error) {
	if n == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "runlog: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var agentsJSON string
	var finished sql.NullTime

	err := row.Scan(&r.ID, &agentsJSON, &r.Status, &r.Error, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "runlog: scan run")
	}
	if err := json.Unmarshal([]byte(agentsJSON), &r.Agents); err != nil {
		return nil, eris.Wrap(err, "runlog: unmarshal agents")
	}
	if finished.Valid {
		t := finished.Time.UTC()
		r.FinishedAt = &t
	}
	r.StartedAt = r.StartedAt.UTC()
	return &r, nil
}
