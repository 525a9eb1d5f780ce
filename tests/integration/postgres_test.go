//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabilkh/go-job-queue/internal/domain"
	"github.com/nabilkh/go-job-queue/internal/postgres"
)

// newRepo creates a repository connected to the test Postgres container
// and truncates the jobs table on cleanup.
func newRepo(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE jobs") //nolint:errcheck
		pool.Close()
	})
	return postgres.New(pool)
}

func makeJob() *domain.Job {
	return &domain.Job{
		ID:        uuid.New().String(),
		Input:     json.RawMessage(`{"test":true}`),
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgres_Insert_Get(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	job := makeJob()
	require.NoError(t, repo.Insert(ctx, job))

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.JSONEq(t, `{"test":true}`, string(got.Input))
}

func TestPostgres_Get_NotFound(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.Get(context.Background(), uuid.New().String())
	require.Error(t, err)

	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Insert_Duplicate(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	job := makeJob()
	require.NoError(t, repo.Insert(ctx, job))

	err := repo.Insert(ctx, job)
	require.Error(t, err)

	var dup *domain.DuplicateJobError
	require.ErrorAs(t, err, &dup)
}

func TestPostgres_Claim_FIFO(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	var ids []string
	for i := 0; i < 3; i++ {
		job := makeJob()
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Insert(ctx, job))
		ids = append(ids, job.ID)
	}

	claimed, err := repo.Claim(ctx, 2, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, ids[0], claimed[0].ID)
	assert.Equal(t, ids[1], claimed[1].ID)
	for _, job := range claimed {
		assert.Equal(t, domain.StatusRunning, job.Status)
		assert.NotNil(t, job.StartedAt)
	}
}

// Concurrent claimers must never receive the same job: the claim uses
// FOR UPDATE SKIP LOCKED, so overlap is a correctness bug.
func TestPostgres_Claim_Concurrent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		require.NoError(t, repo.Insert(ctx, makeJob()))
	}

	const claimers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = make(map[string]int)
		errs    = make([]error, claimers)
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs, err := repo.Claim(ctx, 5, time.Now().UTC())
			if err != nil {
				errs[i] = err
				return
			}
			mu.Lock()
			for _, job := range jobs {
				claimed[job.ID]++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "claimer %d", i)
	}
	assert.Len(t, claimed, claimers*5)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %s claimed %d times", id, n)
	}
}

func TestPostgres_Finish_OnlyWhileRunning(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	job := makeJob()
	require.NoError(t, repo.Insert(ctx, job))

	// Pending job: no match.
	ok, err := repo.Finish(ctx, job.ID, domain.StatusCompleted, json.RawMessage(`{}`), "", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.Claim(ctx, 1, time.Now().UTC())
	require.NoError(t, err)

	ok, err = repo.Finish(ctx, job.ID, domain.StatusCompleted, json.RawMessage(`{"ok":true}`), "", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)

	// Terminal job: a second finish is a no-op.
	ok, err = repo.Finish(ctx, job.ID, domain.StatusFailed, nil, "late", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_Sweeps(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// An old completed job, a fresh completed job, and a stuck running job.
	old := makeJob()
	require.NoError(t, repo.Insert(ctx, old))
	fresh := makeJob()
	require.NoError(t, repo.Insert(ctx, fresh))
	stuck := makeJob()
	require.NoError(t, repo.Insert(ctx, stuck))

	claimed, err := repo.Claim(ctx, 3, now.Add(-3*time.Hour))
	require.NoError(t, err)
	require.Len(t, claimed, 3)

	_, err = repo.Finish(ctx, old.ID, domain.StatusCompleted, nil, "", now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = repo.Finish(ctx, fresh.ID, domain.StatusCompleted, nil, "", now)
	require.NoError(t, err)

	deleted, err := repo.DeleteTerminalBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	reset, err := repo.FailRunningBefore(ctx, now.Add(-2*time.Hour), "job timed out while running", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	got, err := repo.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "job timed out while running", got.Error)

	stats, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(2), stats.Total)
}
