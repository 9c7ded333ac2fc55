package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLite is a Store backed by SQLite (modernc.org/sqlite, pure Go).
// Structured columns (input, output, steps, warnings) hold JSON.
type SQLite struct {
	db    *sql.DB
	owned bool
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens the database at dsn (a file path or ":memory:") and
// prepares the schema.
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// every connection to ":memory:" is a separate database
	db.SetMaxOpenConns(1)

	s, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite prepares the schema in an existing database. The caller keeps
// ownership of db.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			steps TEXT,
			warnings TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS runs_workflow ON runs (workflow_id, started_at);`,
	)
	if err != nil {
		return fmt.Errorf("init runstore schema: %w", err)
	}
	return nil
}

// Save inserts or replaces the run.
func (s *SQLite) Save(ctx context.Context, run *Run) error {
	cols, err := encodeColumns(run)
	if err != nil {
		return err
	}

	var finished any
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UnixNano()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, status, input, output, error, steps, warnings, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			steps = excluded.steps,
			warnings = excluded.warnings,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`,
		run.ID,
		run.WorkflowID,
		string(run.Status),
		cols[0], cols[1],
		run.Error,
		cols[2], cols[3],
		run.StartedAt.UnixNano(),
		finished,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

const selectRun = `SELECT id, workflow_id, status, input, output, error, steps, warnings, started_at, finished_at FROM runs`

// Get loads a run.
func (s *SQLite) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

// List returns matching runs, newest first.
func (s *SQLite) List(ctx context.Context, filter Filter) ([]*Run, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := selectRun
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Delete removes a run.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Close closes the database if it was opened by OpenSQLite.
func (s *SQLite) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var (
		r                              Run
		status                         string
		input, output, steps, warnings sql.NullString
		errText                        sql.NullString
		startedAt                      int64
		finishedAt                     sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.WorkflowID, &status, &input, &output, &errText, &steps, &warnings, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.Error = errText.String
	r.StartedAt = time.Unix(0, startedAt).UTC()
	if finishedAt.Valid {
		r.FinishedAt = time.Unix(0, finishedAt.Int64).UTC()
	}

	for _, c := range []struct {
		src sql.NullString
		dst any
	}{
		{input, &r.Input},
		{output, &r.Output},
		{steps, &r.Steps},
		{warnings, &r.Warnings},
	} {
		if !c.src.Valid || c.src.String == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.src.String), c.dst); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", r.ID, err)
		}
	}
	return &r, nil
}

func encodeColumns(run *Run) ([4]any, error) {
	var cols [4]any
	for i, v := range []any{run.Input, run.Output, run.Steps, run.Warnings} {
		data, err := json.Marshal(v)
		if err != nil {
			return cols, fmt.Errorf("encode run %s: %w", run.ID, err)
		}
		cols[i] = string(data)
	}
	return cols, nil
}
