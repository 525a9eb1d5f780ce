// Package janitor runs the background maintenance sweeps: retention cleanup
// of old terminal jobs and recovery of jobs stuck in running state. It is
// fire-and-forget — failures are logged and retried after a backoff, never
// surfaced to producers or consumers.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nabilkh/go-job-queue/pkg/telemetry"
)

// Store is the slice of the job store the janitor needs.
type Store interface {
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
	ResetStuck(ctx context.Context, maxRunningAge time.Duration) (int64, error)
}

// Janitor periodically sweeps the job store.
type Janitor struct {
	store    Store
	schedule cron.Schedule
	maxAge   time.Duration
	stuckAge time.Duration
	backoff  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithMaxAge sets the retention window for terminal jobs.
func WithMaxAge(d time.Duration) Option { return func(j *Janitor) { j.maxAge = d } }

// WithStuckAge sets how long a job may run before being presumed abandoned.
func WithStuckAge(d time.Duration) Option { return func(j *Janitor) { j.stuckAge = d } }

// WithBackoff sets the delay before retrying after a failed sweep.
func WithBackoff(d time.Duration) Option { return func(j *Janitor) { j.backoff = d } }

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(j *Janitor) { j.now = now } }

// New builds a Janitor firing per the standard cron expression spec
// (default hourly).
func New(store Store, spec string, logger *slog.Logger, opts ...Option) (*Janitor, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	j := &Janitor{
		store:    store,
		schedule: schedule,
		maxAge:   24 * time.Hour,
		stuckAge: 2 * time.Hour,
		backoff:  10 * time.Minute,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Run blocks until ctx is cancelled. On startup, jobs left running by a
// previous crash are recovered immediately and the first sweep follows right
// away; each cycle sweeps first, then sleeps until the next schedule fire.
// A failed sweep is retried after the backoff, not deferred to the next fire.
func (j *Janitor) Run(ctx context.Context) {
	if n, err := j.store.ResetStuck(ctx, j.stuckAge); err != nil {
		j.logger.Error("startup stuck-job recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		j.logger.Info("recovered stuck jobs on startup", slog.Int64("count", n))
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := j.Sweep(ctx); err != nil {
			telemetry.JanitorSweepsTotal.WithLabelValues("error").Inc()
			j.logger.Error("maintenance sweep failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", j.backoff),
			)
			if err := sleep(ctx, j.backoff); err != nil {
				return
			}
			continue
		}
		telemetry.JanitorSweepsTotal.WithLabelValues("ok").Inc()

		wait := j.schedule.Next(j.now()).Sub(j.now())
		if err := sleep(ctx, wait); err != nil {
			return
		}
	}
}

// Sweep performs one maintenance pass: retention cleanup first, then
// stuck-job recovery. Returns the first store error encountered.
func (j *Janitor) Sweep(ctx context.Context) error {
	deleted, err := j.store.CleanupOlderThan(ctx, j.maxAge)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.logger.Info("cleaned up old jobs", slog.Int64("deleted", deleted))
	}

	reset, err := j.store.ResetStuck(ctx, j.stuckAge)
	if err != nil {
		return err
	}
	if reset > 0 {
		j.logger.Warn("reset stuck jobs", slog.Int64("reset", reset))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
