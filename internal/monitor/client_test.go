package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/chain"
	"github.com/fyrsmithlabs/devchain/internal/config"
	devhttp "github.com/fyrsmithlabs/devchain/internal/http"
	"github.com/fyrsmithlabs/devchain/internal/jobs"
	"github.com/fyrsmithlabs/devchain/internal/phase"
)

// stepRunner runs two phases and holds in the second until released.
type stepRunner struct {
	release chan struct{}
}

func (r *stepRunner) Run(ctx context.Context, req chain.Request, progress chain.ProgressCallback) (*chain.Result, error) {
	state := phase.NewProjectState(req.Task)
	progress(chain.PhaseProgress{Phase: "demand_analysis", Index: 1, Total: 2, Status: chain.PhaseStarted})
	progress(chain.PhaseProgress{Phase: "demand_analysis", Index: 1, Total: 2, Status: chain.PhaseCompleted, Turns: 1})
	progress(chain.PhaseProgress{Phase: "coding", Index: 2, Total: 2, Status: chain.PhaseStarted})
	select {
	case <-ctx.Done():
		return &chain.Result{State: state}, ctx.Err()
	case <-r.release:
	}
	state, err := state.Merge(phase.Delta{
		Phase:     "coding",
		Artifacts: map[string]string{"code": "package main"},
		Files:     map[string]string{"main.go": "package main"},
	})
	if err != nil {
		return nil, err
	}
	progress(chain.PhaseProgress{Phase: "coding", Index: 2, Total: 2, Status: chain.PhaseCompleted, Turns: 1})
	return &chain.Result{State: state}, nil
}

type testAPI struct {
	client  *Client
	manager *jobs.Manager
	runner  *stepRunner
}

func setupTestAPI(t *testing.T) *testAPI {
	t.Helper()
	r := &stepRunner{release: make(chan struct{})}
	m := jobs.NewManager(r, config.JobsConfig{MaxConcurrent: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	server, err := devhttp.NewServer(m, zap.NewNop(), &devhttp.Config{Host: "localhost", Version: "0.9.0"})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testAPI{client: NewClient(ts.URL + "/"), manager: m, runner: r}
}

func (a *testAPI) waitStatus(t *testing.T, id string, want jobs.Status) jobs.Job {
	t.Helper()
	var job jobs.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = a.client.Job(context.Background(), id)
		return err == nil && job.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:9191/")
	assert.Equal(t, "http://localhost:9191", client.baseURL)
	assert.NotNil(t, client.client)
}

func TestClient_Health(t *testing.T) {
	api := setupTestAPI(t)

	health, err := api.client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "0.9.0", health.Version)
}

func TestClient_JobLifecycle(t *testing.T) {
	api := setupTestAPI(t)
	ctx := context.Background()

	sub, err := api.client.Submit(ctx, devhttp.SubmitRequest{Task: "build a calculator", Name: "calc"})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, sub.Status)

	job := api.waitStatus(t, sub.JobID, jobs.StatusRunning)
	assert.Equal(t, "calc", job.Name)

	_, err = api.client.Result(ctx, sub.JobID)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.Message)

	status, err := api.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Counts[jobs.StatusRunning])

	close(api.runner.release)
	api.waitStatus(t, sub.JobID, jobs.StatusSucceeded)

	res, err := api.client.Result(ctx, sub.JobID)
	require.NoError(t, err)
	require.NotNil(t, res.Result)
	assert.Equal(t, "package main", res.Result.Files["main.go"])

	list, err := api.client.List(ctx, jobs.StatusSucceeded)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Total)

	require.NoError(t, api.client.Purge(ctx, sub.JobID))
	_, err = api.client.Job(ctx, sub.JobID)
	assert.True(t, IsNotFound(err))
}

func TestClient_Cancel(t *testing.T) {
	api := setupTestAPI(t)
	ctx := context.Background()

	sub, err := api.client.Submit(ctx, devhttp.SubmitRequest{Task: "t"})
	require.NoError(t, err)
	api.waitStatus(t, sub.JobID, jobs.StatusRunning)

	_, err = api.client.Cancel(ctx, sub.JobID)
	require.NoError(t, err)
	api.waitStatus(t, sub.JobID, jobs.StatusCancelled)
}

func TestClient_SubmitInvalid(t *testing.T) {
	api := setupTestAPI(t)

	_, err := api.client.Submit(context.Background(), devhttp.SubmitRequest{Task: "  "})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, IsNotFound(err))
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, err := NewClient(url).Health(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "unexpected status code 502", (&APIError{StatusCode: 502}).Error())
	assert.Equal(t, "job not found (status 404)", (&APIError{StatusCode: 404, Message: "job not found"}).Error())
}
