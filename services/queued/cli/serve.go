package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nabilkh/go-job-queue/internal/engine"
	"github.com/nabilkh/go-job-queue/internal/janitor"
	"github.com/nabilkh/go-job-queue/internal/jobstore"
	"github.com/nabilkh/go-job-queue/internal/postgres"
	"github.com/nabilkh/go-job-queue/internal/sqlite"
	"github.com/nabilkh/go-job-queue/pkg/telemetry"
	"github.com/nabilkh/go-job-queue/services/queued/config"
	"github.com/nabilkh/go-job-queue/services/queued/handler"
	"github.com/nabilkh/go-job-queue/services/queued/middleware"
	"github.com/nabilkh/go-job-queue/services/queued/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the job queue server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Int("http-port", 8188, "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("db-driver", "sqlite", "storage backend: sqlite | postgres")
	serveCmd.Flags().String("sqlite-path", "queued.db", "path to the SQLite database file")
	serveCmd.Flags().Duration("sqlite-busy-timeout", 5*time.Second, "how long SQLite waits on a locked database")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL DSN (db-driver=postgres)")
	serveCmd.Flags().Duration("postgres-lock-timeout", 5*time.Second, "lock_timeout applied to PostgreSQL sessions")
	serveCmd.Flags().Bool("worker-enabled", false, "run the embedded worker loop")
	serveCmd.Flags().StringSlice("engine-cmd", nil, "command executed per job; JSON input on stdin, JSON result on stdout")
	serveCmd.Flags().Int("batch-size", 1, "jobs claimed per poll")
	serveCmd.Flags().Duration("poll-interval", 2*time.Second, "worker idle poll interval")
	serveCmd.Flags().Duration("exec-timeout", 10*time.Minute, "per-job execution timeout; 0 disables")
	serveCmd.Flags().String("cleanup-schedule", "@hourly", "cron schedule for maintenance sweeps")
	serveCmd.Flags().Duration("cleanup-max-age", 24*time.Hour, "terminal jobs older than this are deleted")
	serveCmd.Flags().Duration("stuck-max-age", 2*time.Hour, "running jobs older than this are failed")
	serveCmd.Flags().Duration("janitor-backoff", 10*time.Minute, "retry delay after a failed sweep")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("db_driver", serveCmd.Flags(), "db-driver")
	bindFlag("sqlite_path", serveCmd.Flags(), "sqlite-path")
	bindFlag("sqlite_busy_timeout", serveCmd.Flags(), "sqlite-busy-timeout")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("postgres_lock_timeout", serveCmd.Flags(), "postgres-lock-timeout")
	bindFlag("worker_enabled", serveCmd.Flags(), "worker-enabled")
	bindFlag("engine_cmd", serveCmd.Flags(), "engine-cmd")
	bindFlag("batch_size", serveCmd.Flags(), "batch-size")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("exec_timeout", serveCmd.Flags(), "exec-timeout")
	bindFlag("cleanup_schedule", serveCmd.Flags(), "cleanup-schedule")
	bindFlag("cleanup_max_age", serveCmd.Flags(), "cleanup-max-age")
	bindFlag("stuck_max_age", serveCmd.Flags(), "stuck-max-age")
	bindFlag("janitor_backoff", serveCmd.Flags(), "janitor-backoff")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := buildLogger(cfg.LogLevel, "queued")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "queued", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	// ── storage ───────────────────────────────────────────────────────────────
	var (
		repo   jobstore.Repository
		dbInfo string
	)
	switch cfg.DBDriver {
	case "sqlite":
		sq, err := sqlite.Open(cfg.SQLitePath, cfg.SQLiteBusyWait)
		if err != nil {
			return fmt.Errorf("sqlite: %w", err)
		}
		repo = sq
		dbInfo = sq.Path()
	case "postgres":
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN, cfg.PostgresLockTTL)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		repo = postgres.New(pool)
		dbInfo = "postgres"
	}
	defer func() { _ = repo.Close() }()

	store := jobstore.New(repo)
	restHandler := handler.NewREST(store, dbInfo, logger)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	var background sync.WaitGroup

	// ── janitor ───────────────────────────────────────────────────────────────
	jan, err := janitor.New(store, cfg.CleanupSchedule, logger,
		janitor.WithMaxAge(cfg.CleanupMaxAge),
		janitor.WithStuckAge(cfg.StuckMaxAge),
		janitor.WithBackoff(cfg.JanitorBackoff),
	)
	if err != nil {
		return fmt.Errorf("janitor: %w", err)
	}
	background.Add(1)
	go func() {
		defer background.Done()
		jan.Run(runCtx)
	}()

	// ── embedded worker ───────────────────────────────────────────────────────
	if cfg.WorkerEnabled {
		eng, err := engine.NewCommand(cfg.EngineCommand)
		if err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		wk := worker.NewWorker(
			worker.NewFetcher(store),
			worker.NewExecutor(store, eng, cfg.ExecTimeout, logger),
			logger,
			worker.WithBatchSize(cfg.BatchSize),
			worker.WithPollInterval(cfg.PollInterval),
		)
		background.Add(1)
		go func() {
			defer background.Done()
			wk.Run(runCtx)
		}()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/jobs", restHandler.SubmitJob)
		r.Get("/jobs/{id}", restHandler.GetJob)
		r.Get("/stats", restHandler.GetStats)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/cleanup", restHandler.Cleanup)
			r.Post("/reset-stuck", restHandler.ResetStuck)
			r.Delete("/jobs/{id}", restHandler.DeleteJob)
		})
	})

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ── signal handling ───────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	// ── Prometheus metrics ────────────────────────────────────────────────────
	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("queued HTTP starting",
			slog.String("addr", httpSrv.Addr),
			slog.String("db", dbInfo),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()
	background.Wait()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
