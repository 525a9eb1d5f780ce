// Package postgres implements the job repository on PostgreSQL via pgx.
// Row-level locking with FOR UPDATE SKIP LOCKED makes the claim safe under
// any number of competing consumer processes; lock waits are bounded by
// lock_timeout and surface as domain.StoreBusyError.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nabilkh/go-job-queue/internal/domain"
)

const (
	// SQLSTATE codes mapped to domain errors.
	codeLockNotAvailable = "55P03"
	codeUniqueViolation  = "23505"
)

// Store is a PostgreSQL-backed job repository.
type Store struct {
	pool *pgxpool.Pool
}

// NewPool creates a pgxpool, verifies connectivity, and bounds lock waits
// on every connection.
func NewPool(ctx context.Context, dsn string, lockTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("SET lock_timeout = '%dms'", lockTimeout.Milliseconds()))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// New wraps a pgxpool with the repository.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Insert(ctx context.Context, job *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, input, status, created_at)
		VALUES ($1, $2, $3, $4)
	`, job.ID, []byte(job.Input), string(job.Status), job.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return &domain.DuplicateJobError{JobID: job.ID}
		}
		return mapErr("insert", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, input, status, result, error, created_at, started_at, completed_at
		FROM jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.JobNotFoundError{JobID: id}
		}
		return nil, mapErr("get", err)
	}
	return job, nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, input, status, result, error, created_at, started_at, completed_at
		FROM jobs
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, mapErr("list by status", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (s *Store) ListRecent(ctx context.Context, limit int) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, input, status, result, error, created_at, started_at, completed_at
		FROM jobs
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, mapErr("list recent", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Claim selects the oldest pending rows with SKIP LOCKED and flips them to
// running in the same statement, so concurrent claimers never overlap.
func (s *Store) Claim(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs
		SET status = 'running', started_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, input, status, result, error, created_at, started_at, completed_at
	`, now, limit)
	if err != nil {
		return nil, mapErr("claim", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *Store) Finish(ctx context.Context, id string, status domain.Status, result json.RawMessage, errMsg string, now time.Time) (bool, error) {
	var resultVal any
	if result != nil {
		resultVal = []byte(result)
	}
	var errVal any
	if errMsg != "" {
		errVal = errMsg
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $1, result = $2, error = $3, completed_at = $4
		WHERE id = $5 AND status = 'running'
	`, string(status), resultVal, errVal, now, id)
	if err != nil {
		return false, mapErr("finish", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) DeleteTerminal(ctx context.Context, id string) (deleted, existed bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE id = $1 AND status IN ('completed','failed')
	`, id)
	if err != nil {
		return false, false, mapErr("delete", err)
	}
	if tag.RowsAffected() > 0 {
		return true, true, nil
	}

	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM jobs WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, mapErr("delete", err)
	}
	return false, true, nil
}

func (s *Store) CountByStatus(ctx context.Context) (domain.Stats, error) {
	var stats domain.Stats
	rows, err := s.pool.Query(ctx, `
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
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ('completed','failed')
		AND completed_at IS NOT NULL
		AND completed_at < $1
	`, cutoff)
	if err != nil {
		return 0, mapErr("cleanup", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) FailRunningBefore(ctx context.Context, cutoff time.Time, errMsg string, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = 'failed', error = $1, completed_at = $2
		WHERE status = 'running'
		AND started_at IS NOT NULL
		AND started_at < $3
	`, errMsg, now, cutoff)
	if err != nil {
		return 0, mapErr("reset stuck", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob reads a job row from any pgx row type.
func scanJob(row interface{ Scan(...any) error }) (*domain.Job, error) {
	var (
		job         domain.Job
		input       []byte
		status      string
		result      []byte
		errMsg      *string
		startedAt   *time.Time
		completedAt *time.Time
	)
	if err := row.Scan(
		&job.ID, &input, &status, &result, &errMsg,
		&job.CreatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}

	job.Input = json.RawMessage(input)
	job.Status = domain.Status(status)
	if result != nil {
		job.Result = json.RawMessage(result)
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
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

func mapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == codeLockNotAvailable {
		return &domain.StoreBusyError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
