package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nabilkh/go-job-queue/services/queued/handler"
)

func withServer(t *testing.T, h http.Handler) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	old := clientServer
	clientServer = srv.URL
	t.Cleanup(func() { clientServer = old })
}

func TestFetchJob(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/jobs/job-1", r.URL.Path)
		json.NewEncoder(w).Encode(handler.JobResponse{JobID: "job-1", Status: "pending"})
	}))

	job, err := fetchJob("job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.JobID)
	assert.Equal(t, "pending", job.Status)
}

func TestFetchJob_ServerError(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "job not found"})
	}))

	_, err := fetchJob("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestWaitForJob_CompletedResult(t *testing.T) {
	var polls atomic.Int64
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := handler.JobResponse{JobID: "job-1", Status: "running"}
		if polls.Add(1) >= 3 {
			resp.Status = "completed"
			resp.Result = json.RawMessage(`{"ok":true}`)
		}
		json.NewEncoder(w).Encode(resp)
	}))

	oldPoll, oldLimit := submitPoll, submitLimit
	submitPoll, submitLimit = time.Millisecond, time.Second
	defer func() { submitPoll, submitLimit = oldPoll, oldLimit }()

	require.NoError(t, waitForJob("job-1"))
	assert.GreaterOrEqual(t, polls.Load(), int64(3))
}

func TestWaitForJob_FailedJobIsAnError(t *testing.T) {
	withServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(handler.JobResponse{
			JobID:  "job-1",
			Status: "failed",
			Error:  "engine exploded",
		})
	}))

	err := waitForJob("job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine exploded")
}
