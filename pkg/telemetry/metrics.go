package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APIJobsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "api",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs accepted through the HTTP API.",
	})

	// ─── Store ───────────────────────────────────────────────────────────────────

	StoreJobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "store",
		Name:      "jobs_created_total",
		Help:      "Total pending job records written.",
	})

	StoreJobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "store",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs atomically claimed for execution.",
	})

	StoreBusyTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "store",
		Name:      "busy_total",
		Help:      "Total operations that hit the store's bounded lock-wait timeout.",
	})

	// ─── Worker ──────────────────────────────────────────────────────────────────

	WorkerJobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "jobs_processed_total",
		Help:      "Total jobs executed, labelled by terminal status.",
	}, []string{"status"})

	WorkerJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being executed.",
	})

	WorkerJobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "jobqueue",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "End-to-end job execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
	})

	// ─── Janitor ─────────────────────────────────────────────────────────────────

	JanitorSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "janitor",
		Name:      "sweeps_total",
		Help:      "Total maintenance sweeps, labelled by outcome (ok or error).",
	}, []string{"outcome"})

	JanitorJobsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "janitor",
		Name:      "jobs_deleted_total",
		Help:      "Total terminal jobs removed by retention cleanup.",
	})

	JanitorJobsReset = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "janitor",
		Name:      "jobs_reset_total",
		Help:      "Total stuck running jobs force-failed.",
	})
)
