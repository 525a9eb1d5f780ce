package janitor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabilkh/go-job-queue/internal/janitor"
)

type fakeStore struct {
	mu           sync.Mutex
	cleanupCalls []time.Duration
	resetCalls   []time.Duration
	cleanupErr   error
	resetErr     error
	cleanupFails int // fail this many cleanups before succeeding
}

func (s *fakeStore) CleanupOlderThan(_ context.Context, maxAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCalls = append(s.cleanupCalls, maxAge)
	if s.cleanupErr != nil {
		return 0, s.cleanupErr
	}
	if s.cleanupFails > 0 {
		s.cleanupFails--
		return 0, errors.New("store unavailable")
	}
	return 2, nil
}

func (s *fakeStore) ResetStuck(_ context.Context, maxRunningAge time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetCalls = append(s.resetCalls, maxRunningAge)
	if s.resetErr != nil {
		return 0, s.resetErr
	}
	return 1, nil
}

func (s *fakeStore) counts() (cleanups, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cleanupCalls), len(s.resetCalls)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	_, err := janitor.New(&fakeStore{}, "not a cron spec", discard())
	require.Error(t, err)
}

func TestSweep_CleanupThenReset(t *testing.T) {
	store := &fakeStore{}
	j, err := janitor.New(store, "@hourly", discard(),
		janitor.WithMaxAge(24*time.Hour),
		janitor.WithStuckAge(2*time.Hour),
	)
	require.NoError(t, err)

	require.NoError(t, j.Sweep(context.Background()))

	require.Len(t, store.cleanupCalls, 1)
	require.Len(t, store.resetCalls, 1)
	assert.Equal(t, 24*time.Hour, store.cleanupCalls[0])
	assert.Equal(t, 2*time.Hour, store.resetCalls[0])
}

func TestSweep_StopsOnCleanupError(t *testing.T) {
	store := &fakeStore{cleanupErr: errors.New("store unavailable")}
	j, err := janitor.New(store, "@hourly", discard())
	require.NoError(t, err)

	err = j.Sweep(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.resetCalls, "reset must not run after a failed cleanup")
}

func TestSweep_ReturnsResetError(t *testing.T) {
	store := &fakeStore{resetErr: errors.New("store unavailable")}
	j, err := janitor.New(store, "@hourly", discard())
	require.NoError(t, err)

	require.Error(t, j.Sweep(context.Background()))
	assert.Len(t, store.cleanupCalls, 1)
}

func TestRun_StartupRecoveryThenImmediateSweep(t *testing.T) {
	store := &fakeStore{}
	j, err := janitor.New(store, "@hourly", discard(), janitor.WithStuckAge(2*time.Hour))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	// Startup recovery plus the first sweep fire right away; the next sweep
	// waits for the schedule, which with @hourly is far in the future.
	require.Eventually(t, func() bool {
		cleanups, resets := store.counts()
		return cleanups == 1 && resets == 2
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	cleanups, _ := store.counts()
	assert.Equal(t, 1, cleanups, "second sweep must wait for the schedule")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestRun_RetriesAfterBackoffNotNextFire(t *testing.T) {
	store := &fakeStore{cleanupFails: 1}
	j, err := janitor.New(store, "@hourly", discard(),
		janitor.WithBackoff(20*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	// The first sweep fails; with @hourly the only way a second attempt can
	// land within the test window is the backoff retry.
	require.Eventually(t, func() bool {
		cleanups, resets := store.counts()
		return cleanups >= 2 && resets == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestRun_StopsImmediatelyWhenCancelled(t *testing.T) {
	store := &fakeStore{}
	j, err := janitor.New(store, "@hourly", discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		j.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return on a cancelled context")
	}
}
