package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/nabilkh/go-job-queue/internal/domain"
	"github.com/nabilkh/go-job-queue/pkg/telemetry"
)

const (
	// recentJobsLimit is how many rows an include_recent stats request lists.
	recentJobsLimit = 50

	// recentErrorLimit caps the error field in stats listings, in runes, so
	// one verbose stack trace cannot bloat the dashboard payload.
	recentErrorLimit = 100
)

// JobStore is the slice of the job store façade the HTTP layer needs.
type JobStore interface {
	Create(ctx context.Context, input json.RawMessage) (*domain.Job, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	Stats(ctx context.Context) (domain.Stats, error)
	RecentJobs(ctx context.Context, limit int) ([]*domain.Job, error)
	CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int64, error)
	ResetStuck(ctx context.Context, maxRunningAge time.Duration) (int64, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// REST handles HTTP requests for the job queue service.
type REST struct {
	store  JobStore
	dbInfo string
	logger *slog.Logger
}

// NewREST creates a new REST handler. dbInfo is a human-readable pointer to
// the backing store (file path or DSN host) surfaced on /healthz.
func NewREST(store JobStore, dbInfo string, logger *slog.Logger) *REST {
	return &REST{store: store, dbInfo: dbInfo, logger: logger}
}

// SubmitJobRequest is the JSON body for POST /api/v1/jobs.
type SubmitJobRequest struct {
	Input json.RawMessage `json:"input"`
}

// SubmitJobResponse is the 202 response body.
type SubmitJobResponse struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// JobResponse is the GET /jobs/{id} response body.
type JobResponse struct {
	JobID       string          `json:"job_id"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  int64           `json:"duration_ms,omitempty"`
}

// RecentJob is one row in the stats listing. Error text is truncated.
type RecentJob struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StatsResponse is the GET /api/v1/stats response body.
type StatsResponse struct {
	Pending   int64       `json:"pending"`
	Running   int64       `json:"running"`
	Completed int64       `json:"completed"`
	Failed    int64       `json:"failed"`
	Total     int64       `json:"total"`
	Recent    []RecentJob `json:"recent,omitempty"`
}

// SweepResponse reports how many rows an admin sweep touched.
type SweepResponse struct {
	Affected int64 `json:"affected"`
}

// SubmitJob handles POST /api/v1/jobs.
func (h *REST) SubmitJob(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("queued").Start(r.Context(), "queued.submit_job")
	defer span.End()

	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Input) == 0 || string(req.Input) == "null" {
		writeError(w, http.StatusBadRequest, "field 'input' is required")
		return
	}

	job, err := h.store.Create(ctx, req.Input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job create failed")
		h.writeStoreError(w, err, "failed to create job")
		return
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	telemetry.APIJobsSubmitted.Inc()
	h.logger.Info("job submitted", slog.String("job_id", job.ID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitJobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt,
	})
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *REST) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		h.writeStoreError(w, err, "failed to retrieve job")
		return
	}

	resp := JobResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Input:       job.Input,
		Result:      job.Result,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		resp.DurationMs = job.CompletedAt.Sub(*job.StartedAt).Milliseconds()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetStats handles GET /api/v1/stats.
func (h *REST) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.store.Stats(ctx)
	if err != nil {
		h.writeStoreError(w, err, "failed to collect stats")
		return
	}

	resp := StatsResponse{
		Pending:   stats.Pending,
		Running:   stats.Running,
		Completed: stats.Completed,
		Failed:    stats.Failed,
		Total:     stats.Total,
	}

	if r.URL.Query().Get("include_recent") == "true" {
		jobs, err := h.store.RecentJobs(ctx, recentJobsLimit)
		if err != nil {
			h.writeStoreError(w, err, "failed to list recent jobs")
			return
		}
		for _, job := range jobs {
			resp.Recent = append(resp.Recent, RecentJob{
				JobID:       job.ID,
				Status:      string(job.Status),
				Error:       truncate(job.Error, recentErrorLimit),
				CreatedAt:   job.CreatedAt,
				CompletedAt: job.CompletedAt,
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Cleanup handles POST /api/v1/admin/cleanup. Deletes terminal jobs older
// than max_age (default 24h).
func (h *REST) Cleanup(w http.ResponseWriter, r *http.Request) {
	maxAge, err := durationParam(r, "max_age", 24*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid max_age")
		return
	}

	deleted, err := h.store.CleanupOlderThan(r.Context(), maxAge)
	if err != nil {
		h.writeStoreError(w, err, "cleanup failed")
		return
	}

	h.logger.Info("cleanup requested",
		slog.Duration("max_age", maxAge),
		slog.Int64("deleted", deleted),
	)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SweepResponse{Affected: deleted})
}

// ResetStuck handles POST /api/v1/admin/reset-stuck. Fails running jobs
// older than max_running_age (default 2h).
func (h *REST) ResetStuck(w http.ResponseWriter, r *http.Request) {
	maxRunningAge, err := durationParam(r, "max_running_age", 2*time.Hour)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid max_running_age")
		return
	}

	reset, err := h.store.ResetStuck(r.Context(), maxRunningAge)
	if err != nil {
		h.writeStoreError(w, err, "reset failed")
		return
	}

	h.logger.Info("stuck reset requested",
		slog.Duration("max_running_age", maxRunningAge),
		slog.Int64("reset", reset),
	)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(SweepResponse{Affected: reset})
}

// DeleteJob handles DELETE /api/v1/admin/jobs/{id}. Only terminal jobs may
// be deleted.
func (h *REST) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required")
		return
	}

	if err := h.store.Delete(r.Context(), jobID); err != nil {
		h.writeStoreError(w, err, "failed to delete job")
		return
	}

	h.logger.Info("job deleted", slog.String("job_id", jobID))
	w.WriteHeader(http.StatusNoContent)
}

// Healthz handles GET /healthz — liveness plus a snapshot of queue counts.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]any{
		"status":   "ok",
		"database": h.dbInfo,
	}
	if stats, err := h.store.Stats(ctx); err == nil {
		resp["jobs"] = stats
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

// Readyz handles GET /readyz — checks store connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// writeStoreError maps store error types to HTTP status codes.
func (h *REST) writeStoreError(w http.ResponseWriter, err error, fallback string) {
	var notFound *domain.JobNotFoundError
	if errors.As(err, &notFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	var invalid *domain.InvalidTransitionError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusConflict, invalid.Error())
		return
	}

	h.logger.Error("store error", slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, fallback)
}

func durationParam(r *http.Request, name string, fallback time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New("invalid duration")
	}
	return d, nil
}

// truncate limits s to n runes without splitting a multi-byte sequence.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
