// Package worker is the consumer side of the queue: it claims batches of
// pending jobs from the store, executes each through the configured engine,
// and reports the outcome back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nabilkh/go-job-queue/internal/domain"
	"github.com/nabilkh/go-job-queue/internal/engine"
	"github.com/nabilkh/go-job-queue/pkg/retry"
	"github.com/nabilkh/go-job-queue/pkg/telemetry"
)

// JobStore is the slice of the job store façade the worker needs.
type JobStore interface {
	ClaimBatch(ctx context.Context, limit int) ([]*domain.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) error
	Fail(ctx context.Context, id string, errMsg string) error
}

// ── dispatch adapter ─────────────────────────────────────────────────────────

// Fetcher pulls batches of claimed jobs for a consumer loop. An empty batch
// means "idle, poll again later", never an error.
type Fetcher struct {
	store      JobStore
	maxRetries int
	baseDelay  time.Duration
}

// NewFetcher wraps the store's ClaimBatch with a bounded retry on the
// transient StoreBusy error.
func NewFetcher(store JobStore) *Fetcher {
	return &Fetcher{store: store, maxRetries: 3, baseDelay: 100 * time.Millisecond}
}

// FetchBatch claims up to n pending jobs, oldest first.
func (f *Fetcher) FetchBatch(ctx context.Context, n int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: f.maxRetries,
		BaseDelay:   f.baseDelay,
		ShouldRetry: func(err error) bool {
			var busy *domain.StoreBusyError
			return errors.As(err, &busy)
		},
	}, func() error {
		var claimErr error
		jobs, claimErr = f.store.ClaimBatch(ctx, n)
		return claimErr
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ── completion adapter ───────────────────────────────────────────────────────

// Executor wraps a single job's execution: run the engine, then record the
// outcome through the store.
type Executor struct {
	store   JobStore
	engine  engine.Engine
	timeout time.Duration
	logger  *slog.Logger
}

// NewExecutor builds an Executor. timeout bounds each engine run; zero
// means no bound.
func NewExecutor(store JobStore, eng engine.Engine, timeout time.Duration, logger *slog.Logger) *Executor {
	return &Executor{store: store, engine: eng, timeout: timeout, logger: logger}
}

// Process executes one claimed job. On engine failure the job is marked
// failed and the engine error is returned so outer alerting can observe
// it too. The engine is never retried here — retry policy belongs to the
// engine or the surrounding runtime.
func (e *Executor) Process(ctx context.Context, job *domain.Job) error {
	ctx, span := otel.Tracer("worker").Start(ctx, "worker.process_job",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("job.id", job.ID))

	log := e.logger.With(slog.String("job_id", job.ID))

	execCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	result, execErr := e.engine.Execute(execCtx, job.Input)
	duration := time.Since(start)
	telemetry.WorkerJobDurationSeconds.Observe(duration.Seconds())

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "engine execution failed")
		log.Error("job failed",
			slog.String("error", execErr.Error()),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
		telemetry.WorkerJobsProcessed.WithLabelValues(string(domain.StatusFailed)).Inc()

		// Record the failure on a fresh context: the engine's deadline (or a
		// shutdown) must not prevent the outcome from being persisted.
		if err := e.store.Fail(context.WithoutCancel(ctx), job.ID, execErr.Error()); err != nil {
			log.Error("failed to record job failure", slog.String("error", err.Error()))
		}
		return execErr
	}

	log.Info("job completed", slog.Int64("duration_ms", duration.Milliseconds()))
	telemetry.WorkerJobsProcessed.WithLabelValues(string(domain.StatusCompleted)).Inc()

	if err := e.store.Complete(context.WithoutCancel(ctx), job.ID, result); err != nil {
		log.Error("failed to record job result", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// ── consumer loop ────────────────────────────────────────────────────────────

// Worker is the polling consumer runtime gluing Fetcher and Executor.
type Worker struct {
	fetcher      *Fetcher
	executor     *Executor
	batchSize    int
	pollInterval time.Duration
	logger       *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithBatchSize(n int) Option              { return func(w *Worker) { w.batchSize = n } }
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollInterval = d } }

// NewWorker constructs a Worker with the given adapters and options.
func NewWorker(fetcher *Fetcher, executor *Executor, logger *slog.Logger, opts ...Option) *Worker {
	w := &Worker{
		fetcher:      fetcher,
		executor:     executor,
		batchSize:    1,
		pollInterval: 2 * time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls for work until ctx is cancelled, then waits for in-flight jobs
// to finish.
func (w *Worker) Run(ctx context.Context) {
	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := w.fetcher.FetchBatch(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("fetch batch failed", slog.String("error", err.Error()))
			if sleepErr := sleep(ctx, w.pollInterval); sleepErr != nil {
				return
			}
			continue
		}

		if len(jobs) == 0 {
			// Idle — no pending work is not an error.
			if sleepErr := sleep(ctx, w.pollInterval); sleepErr != nil {
				return
			}
			continue
		}

		for _, job := range jobs {
			w.wg.Add(1)
			w.inFlight.Add(1)
			telemetry.WorkerJobsInFlight.Inc()
			go func(job *domain.Job) {
				defer func() {
					telemetry.WorkerJobsInFlight.Dec()
					w.inFlight.Add(-1)
					w.wg.Done()
				}()
				// Engine errors are already persisted and logged by the
				// executor; nothing more to do with them here.
				_ = w.executor.Process(ctx, job)
			}(job)
		}
		w.wg.Wait()
	}
}

// InFlight reports how many jobs are currently executing.
func (w *Worker) InFlight() int64 { return w.inFlight.Load() }

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
