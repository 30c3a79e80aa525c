package http

import "github.com/fyrsmithlabs/devchain/internal/jobs"

// SubmitRequest is the request body for POST /api/v1/jobs.
type SubmitRequest struct {
	Task      string     `json:"task"`
	Name      string     `json:"name"`
	Overrides *Overrides `json:"overrides,omitempty"`
}

// Overrides adjusts a single job's execution.
type Overrides struct {
	MaxTurns int    `json:"max_turns,omitempty"`
	Model    string `json:"model,omitempty"`
}

// SubmitResponse is the response body for POST /api/v1/jobs.
type SubmitResponse struct {
	JobID  string      `json:"job_id"`
	Status jobs.Status `json:"status"`
}

// ListResponse is the response body for GET /api/v1/jobs.
type ListResponse struct {
	Jobs  []jobs.Job `json:"jobs"`
	Total int        `json:"total"`
}

// ResultResponse is the response body for GET /api/v1/jobs/:id/result.
type ResultResponse struct {
	JobID  string         `json:"job_id"`
	Status jobs.Status    `json:"status"`
	Result *jobs.Result   `json:"result,omitempty"`
	Error  *jobs.JobError `json:"error,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status  string              `json:"status"`
	Version string              `json:"version,omitempty"`
	Counts  map[jobs.Status]int `json:"counts"`
}

// CountJobs tallies snapshots by status. Every status is present in the
// result, zero or not.
func CountJobs(list []jobs.Job) map[jobs.Status]int {
	counts := map[jobs.Status]int{
		jobs.StatusPending:   0,
		jobs.StatusRunning:   0,
		jobs.StatusSucceeded: 0,
		jobs.StatusFailed:    0,
		jobs.StatusCancelled: 0,
	}
	for _, j := range list {
		counts[j.Status]++
	}
	return counts
}
