//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabilkh/go-job-queue/internal/domain"
	"github.com/nabilkh/go-job-queue/internal/jobstore"
	"github.com/nabilkh/go-job-queue/internal/sqlite"
)

// clock is a movable time source for exercising age-based sweeps.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSQLiteStore(t *testing.T) (*jobstore.Store, *clock) {
	t.Helper()
	repo, err := sqlite.Open(filepath.Join(t.TempDir(), "queued.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	c := &clock{now: time.Now().UTC()}
	return jobstore.New(repo, jobstore.WithClock(c.Now)), c
}

func TestE2E_JobLifecycle(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, json.RawMessage(`{"prompt":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	claimed, err := store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, job.ID, claimed[0].ID)
	assert.Equal(t, domain.StatusRunning, claimed[0].Status)
	require.NotNil(t, claimed[0].StartedAt)

	require.NoError(t, store.Complete(ctx, job.ID, json.RawMessage(`{"images":3}`)))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"images":3}`, string(got.Result))
	require.NotNil(t, got.CompletedAt)
	assert.False(t, got.CompletedAt.Before(*got.StartedAt))

	// Completing again must be rejected, not silently overwrite.
	err = store.Complete(ctx, job.ID, json.RawMessage(`{}`))
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
}

func TestE2E_FailureKeepsResultEmpty(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)

	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, job.ID, "engine exploded"))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "engine exploded", got.Error)
	assert.Empty(t, got.Result)
}

func TestE2E_StuckRecovery(t *testing.T) {
	store, c := newSQLiteStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)

	// Too young to be stuck.
	c.Advance(time.Hour)
	reset, err := store.ResetStuck(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, reset)

	c.Advance(2 * time.Hour)
	reset, err = store.ResetStuck(ctx, 2*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, jobstore.StuckJobError, got.Error)
}

func TestE2E_CleanupSparesActiveJobs(t *testing.T) {
	store, c := newSQLiteStore(t)
	ctx := context.Background()

	done, err := store.Create(ctx, json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, done.ID, json.RawMessage(`{}`)))

	c.Advance(48 * time.Hour)

	pending, err := store.Create(ctx, json.RawMessage(`{"n":2}`))
	require.NoError(t, err)

	deleted, err := store.CleanupOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.Get(ctx, done.ID)
	var notFound *domain.JobNotFoundError
	require.ErrorAs(t, err, &notFound)

	_, err = store.Get(ctx, pending.ID)
	require.NoError(t, err)
}

func TestE2E_StatsTrackLifecycle(t *testing.T) {
	store, _ := newSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := store.Create(ctx, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	claimed, err := store.ClaimBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	require.NoError(t, store.Complete(ctx, claimed[0].ID, json.RawMessage(`{}`)))
	require.NoError(t, store.Fail(ctx, claimed[1].ID, "boom"))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{
		Pending:   2,
		Running:   0,
		Completed: 1,
		Failed:    1,
		Total:     4,
	}, stats)
}
