// Package jobstore is the synchronized façade over the persistent job
// repository. All producers, consumers, and the janitor mutate job state
// through it; the repository's own transactional locking is the concurrency
// guard, so two concurrent claimers can never receive the same job.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nabilkh/go-job-queue/internal/domain"
	"github.com/nabilkh/go-job-queue/pkg/telemetry"
)

// StuckJobError is the canned error recorded on jobs force-failed by
// ResetStuck.
const StuckJobError = "job timed out while running"

// Repository abstracts durable storage of job records. Implementations must
// make Claim and Finish atomic per record and bound their lock waits,
// surfacing domain.StoreBusyError on timeout.
type Repository interface {
	Insert(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, id string) (*domain.Job, error)
	ListByStatus(ctx context.Context, status domain.Status, limit int) ([]*domain.Job, error)
	ListRecent(ctx context.Context, limit int) ([]*domain.Job, error)

	// Claim atomically flips up to limit of the oldest pending jobs to
	// running (setting started_at=now) and returns them, oldest first.
	Claim(ctx context.Context, limit int, now time.Time) ([]*domain.Job, error)

	// Finish conditionally moves a running job to the given terminal status.
	// Returns false without error when the job is absent or not running.
	Finish(ctx context.Context, id string, status domain.Status, result json.RawMessage, errMsg string, now time.Time) (bool, error)

	// DeleteTerminal removes a job only if it is in a terminal state.
	// deleted=false, existed=true means the job exists but is not terminal.
	DeleteTerminal(ctx context.Context, id string) (deleted, existed bool, err error)

	CountByStatus(ctx context.Context) (domain.Stats, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	FailRunningBefore(ctx context.Context, cutoff time.Time, errMsg string, now time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Store exposes the job lifecycle operations.
type Store struct {
	repo Repository
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New wraps a Repository with the job store façade.
func New(repo Repository, opts ...Option) *Store {
	s := &Store{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create allocates a fresh ID and writes a pending record.
func (s *Store) Create(ctx context.Context, input json.RawMessage) (*domain.Job, error) {
	job := &domain.Job{
		ID:        uuid.New().String(),
		Input:     input,
		Status:    domain.StatusPending,
		CreatedAt: s.now(),
	}
	if err := s.repo.Insert(ctx, job); err != nil {
		s.countBusy(err)
		return nil, fmt.Errorf("create job: %w", err)
	}
	telemetry.StoreJobsCreated.Inc()
	return job, nil
}

// Get returns the job or a domain.JobNotFoundError.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	return s.repo.Get(ctx, id)
}

// ClaimBatch is the FIFO dequeue: it atomically flips up to limit of the
// oldest pending jobs to running and returns them. An empty slice means no
// pending work, not an error.
func (s *Store) ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	jobs, err := s.repo.Claim(ctx, limit, s.now())
	if err != nil {
		s.countBusy(err)
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	telemetry.StoreJobsClaimed.Add(float64(len(jobs)))
	return jobs, nil
}

// Complete records a successful result. Valid only while the job is running.
func (s *Store) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return s.finish(ctx, id, domain.StatusCompleted, result, "")
}

// Fail records a failure message. Valid only while the job is running.
func (s *Store) Fail(ctx context.Context, id string, errMsg string) error {
	return s.finish(ctx, id, domain.StatusFailed, nil, errMsg)
}

func (s *Store) finish(ctx context.Context, id string, status domain.Status, result json.RawMessage, errMsg string) error {
	updated, err := s.repo.Finish(ctx, id, status, result, errMsg, s.now())
	if err != nil {
		s.countBusy(err)
		return fmt.Errorf("finish job %s: %w", id, err)
	}
	if updated {
		return nil
	}

	// The conditional update matched nothing: either the job is gone or it
	// is not currently running. Disambiguate with a read.
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return &domain.InvalidTransitionError{JobID: id, From: job.Status, To: status}
}

// Stats returns per-status counts plus the overall total.
func (s *Store) Stats(ctx context.Context) (domain.Stats, error) {
	return s.repo.CountByStatus(ctx)
}

// RecentJobs returns up to limit jobs ordered by creation time, newest
// first, for monitoring.
func (s *Store) RecentJobs(ctx context.Context, limit int) ([]*domain.Job, error) {
	return s.repo.ListRecent(ctx, limit)
}

// CleanupOlderThan deletes terminal jobs whose completed_at is older than
// maxAge and returns the number removed.
func (s *Store) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge)
	n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.countBusy(err)
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	telemetry.JanitorJobsDeleted.Add(float64(n))
	return n, nil
}

// ResetStuck force-fails running jobs whose started_at is older than
// maxRunningAge. This is the only safety net for consumers that crashed
// mid-execution without reporting an outcome.
func (s *Store) ResetStuck(ctx context.Context, maxRunningAge time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-maxRunningAge)
	n, err := s.repo.FailRunningBefore(ctx, cutoff, StuckJobError, now)
	if err != nil {
		s.countBusy(err)
		return 0, fmt.Errorf("reset stuck: %w", err)
	}
	telemetry.JanitorJobsReset.Add(float64(n))
	return n, nil
}

// Delete removes a single job. Only terminal jobs may be deleted; a
// non-terminal job yields InvalidTransitionError, a missing one
// JobNotFoundError.
func (s *Store) Delete(ctx context.Context, id string) error {
	deleted, existed, err := s.repo.DeleteTerminal(ctx, id)
	if err != nil {
		s.countBusy(err)
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if deleted {
		return nil
	}
	if !existed {
		return &domain.JobNotFoundError{JobID: id}
	}
	job, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	// To is left empty: deletion is not a status transition, the record is
	// simply not in a deletable state.
	return &domain.InvalidTransitionError{JobID: id, From: job.Status}
}

// Ping reports store reachability, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

func (s *Store) countBusy(err error) {
	var busy *domain.StoreBusyError
	if errors.As(err, &busy) {
		telemetry.StoreBusyTotal.Inc()
	}
}
