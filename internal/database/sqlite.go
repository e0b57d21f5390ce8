// Package database stores the run history in SQLite.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"capsule-go/internal/capsule"
	"capsule-go/internal/database/migrations"
	"capsule-go/internal/syncerr"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteHistory implements capsule.History on SQLite.
type SQLiteHistory struct {
	db   *sql.DB
	path string
}

// NewSQLiteHistory opens the database at path, or ":memory:", and brings
// its schema up to date.
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteHistory{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("configuring database (%s): %w", pragma, err)
		}
	}
	return db, nil
}

// RecordRun stores a finished run and its failures in one transaction.
func (s *SQLiteHistory) RecordRun(job string, result *capsule.RunResult) error {
	rec := capsule.RecordFor(job, result)
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, job, started_at, finished_at, outcome, examined, refreshed,
			skipped, touched, attachments, failures, generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Job, rec.StartedAt.UTC(), rec.FinishedAt.UTC(), string(rec.Outcome),
		rec.Examined, rec.Refreshed, rec.Skipped, rec.Touched, rec.AttachmentsFetched,
		len(rec.Failures), rec.Generation,
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", rec.ID, err)
	}

	for _, f := range rec.Failures {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO run_failures (run_id, node_id, kind, message) VALUES (?, ?, ?, ?)`,
			rec.ID, f.NodeID, f.Kind.String(), f.Message,
		)
		if err != nil {
			return fmt.Errorf("inserting failure of run %s: %w", rec.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing run %s: %w", rec.ID, err)
	}
	return nil
}

const selectRuns = `
	SELECT id, job, started_at, finished_at, outcome, examined, refreshed,
		skipped, touched, attachments, generation
	FROM runs`

// ListRuns returns the most recent runs of any job, newest first. A limit
// of zero or less returns all of them.
func (s *SQLiteHistory) ListRuns(limit int) ([]*capsule.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(selectRuns+` ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*capsule.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	for _, rec := range runs {
		if rec.Failures, err = s.failures(rec.ID); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

// LastRun returns the most recent run of job, or nil if it never ran.
func (s *SQLiteHistory) LastRun(job string) (*capsule.RunRecord, error) {
	row := s.db.QueryRow(selectRuns+` WHERE job = ? ORDER BY started_at DESC, id LIMIT 1`, job)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if rec.Failures, err = s.failures(rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*capsule.RunRecord, error) {
	var (
		rec     capsule.RunRecord
		outcome string
	)
	err := row.Scan(&rec.ID, &rec.Job, &rec.StartedAt, &rec.FinishedAt, &outcome,
		&rec.Examined, &rec.Refreshed, &rec.Skipped, &rec.Touched,
		&rec.AttachmentsFetched, &rec.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("reading run: %w", err)
	}
	rec.Outcome = capsule.Outcome(outcome)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.FinishedAt = rec.FinishedAt.UTC()
	return &rec, nil
}

func (s *SQLiteHistory) failures(runID string) ([]capsule.Failure, error) {
	rows, err := s.db.Query(`SELECT node_id, kind, message FROM run_failures WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("reading failures of run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []capsule.Failure
	for rows.Next() {
		var f capsule.Failure
		var kind string
		if err := rows.Scan(&f.NodeID, &kind, &f.Message); err != nil {
			return nil, fmt.Errorf("reading failure of run %s: %w", runID, err)
		}
		f.Kind = syncerr.ParseKind(kind)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Prune deletes runs that finished before cutoff and returns how many
// were removed.
func (s *SQLiteHistory) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM runs WHERE finished_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	return res.RowsAffected()
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteHistory) Path() string {
	return s.path
}

// CheckMigrations verifies the schema is up to date.
func (s *SQLiteHistory) CheckMigrations() error {
	return migrations.Check(s.db)
}

// BackupTo writes a consistent copy of the database to destPath.
func (s *SQLiteHistory) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteHistory) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ capsule.History = (*SQLiteHistory)(nil)
