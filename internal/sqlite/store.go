// Package sqlite implements the job repository on a local SQLite file.
// WAL journaling plus busy_timeout make the file safely shareable between
// processes; lock waits are bounded and surface as domain.StoreBusyError.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/nabilkh/go-job-queue/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id           TEXT PRIMARY KEY,
	input        TEXT NOT NULL,
	status       TEXT NOT NULL CHECK (status IN ('pending','running','completed','failed')),
	result       TEXT,
	error        TEXT,
	created_at   INTEGER NOT NULL,
	started_at   INTEGER,
	completed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
`

// Store is a SQLite-backed job repository.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the jobs database at path.
// busyTimeout bounds how long a statement waits for the file lock before
// failing with SQLITE_BUSY.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The driver requires serialized access from one process; a single
	// pooled connection also keeps the pragmas below in effect everywhere.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		fmt.Sprintf("PRAGMA busy_timeout=%d;", busyTimeout.Milliseconds()),
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Insert(ctx context.Context, job *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, input, status, created_at)
		VALUES (?, ?, ?, ?)
	`, job.ID, string(job.Input), string(job.Status), job.CreatedAt.UnixNano())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return &domain.DuplicateJobError{JobID: job.ID}
		}
		return mapErr("insert", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, input, status, result, error, created_at, started_at, completed_at
		FROM jobs
		WHERE id = ?
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: id}
		}
		return nil, mapErr("get", err)
	}
	return job, nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input, status, result, error, created_at, started_at, completed_at
		FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(status), limit)
	if err != nil {
		return nil, mapErr("list by status", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, input, status, result, error, created_at, started_at, completed_at
		FROM jobs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, mapErr("list recent", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Claim flips up to limit of the oldest pending jobs to running in one
// statement, so concurrent claimers can never receive the same record.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING id, input, status, result, error, created_at, started_at, completed_at
	`, now.UnixNano(), limit)
	if err != nil {
		return nil, mapErr("claim", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING row order is unspecified; restore FIFO order.
	sortByCreation(jobs)
	return jobs, nil
}

func (s *Store) Finish(ctx context.Context, id string, status domain.Status, result json.RawMessage, errMsg string, now time.Time) (bool, error) {
	var resultVal any
	if result != nil {
		resultVal = string(result)
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = 'running'
	`, string(status), resultVal, errVal, now.UnixNano(), id)
	if err != nil {
		return false, mapErr("finish", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *Store) DeleteTerminal(ctx context.Context, id string) (deleted, existed bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = ? AND status IN ('completed','failed')
	`, id)
	if err != nil {
		return false, false, mapErr("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, fmt.Errorf("delete rows affected: %w", err)
	}
	if n > 0 {
		return true, true, nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, mapErr("delete", err)
	}
	return false, true, nil
}

func (s *Store) CountByStatus(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM jobs GROUP BY status
	`)
	if err != nil {
		return stats, mapErr("count", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan count: %w", err)
		}
		switch domain.Status(status) {
		case domain.StatusPending:
			stats.Pending = count
		case domain.StatusRunning:
			stats.Running = count
		case domain.StatusCompleted:
			stats.Completed = count
		case domain.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed')
		AND completed_at IS NOT NULL
		AND completed_at < ?
	`, cutoff.UnixNano())
	if err != nil {
		return 0, mapErr("cleanup", err)
	}
	return res.RowsAffected()
}

func (s *Store) FailRunningBefore(ctx context.Context, cutoff time.Time, errMsg string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', error = ?, completed_at = ?
		WHERE status = 'running'
		AND started_at IS NOT NULL
		AND started_at < ?
	`, errMsg, now.UnixNano(), cutoff.UnixNano())
	if err != nil {
		return 0, mapErr("reset stuck", err)
	}
	return res.RowsAffected()
}

// scanJob reads a job row from any sql row type.
func scanJob(row interface{ Scan(...any) error }) (*domain.Job, error) {
	var (
		job         domain.Job
		input       string
		status      string
		result      sql.NullString
		errMsg      sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&job.ID, &input, &status, &result, &errMsg,
		&createdAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	job.Input = json.RawMessage(input)
	job.Status = domain.Status(status)
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	if startedAt.Valid {
		t := time.Unix(0, startedAt.Int64).UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		job.CompletedAt = &t
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*domain.Job, error) {
	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func sortByCreation(jobs []*domain.Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}

// mapErr translates SQLITE_BUSY/SQLITE_LOCKED into the transient
// StoreBusyError; everything else passes through wrapped.
func mapErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) &&
		(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return &domain.StoreBusyError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
