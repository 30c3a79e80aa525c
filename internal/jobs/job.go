package jobs

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"

	"github.com/fyrsmithlabs/devchain/internal/chain"
	"github.com/fyrsmithlabs/devchain/internal/phase"
)

// Limits on submitted tasks.
const (
	MaxDescriptionLength = 16 * 1024
	MaxNameLength        = 64
	MaxTurnsOverride     = 100
	MaxModelLength       = 128
	defaultName          = "project"
)

var modelName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/@-]*$`)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrNotTerminal is returned when a finished job is required.
	ErrNotTerminal = errors.New("job has not finished")

	// ErrCancelled is returned by GetResult for a cancelled job.
	ErrCancelled = errors.New("job was cancelled")

	// ErrFailed matches every *JobError.
	ErrFailed = errors.New("job failed")

	// ErrInvalidTask is returned by Submit for a malformed task.
	ErrInvalidTask = errors.New("invalid task")

	// ErrShutdown is returned by Submit after Shutdown.
	ErrShutdown = errors.New("job manager is shut down")
)

// Task is an immutable submission.
type Task struct {
	Name        string `json:"name"`
	Description string `json:"task"`
	// MaxTurns overrides every phase's turn budget when positive.
	MaxTurns int `json:"max_turns,omitempty"`
	// Model selects the chat model for every agent in the job. Empty means
	// the configured default.
	Model string `json:"model,omitempty"`
}

// Validate checks t and returns an error wrapping ErrInvalidTask.
func (t Task) Validate() error {
	var errs []error
	if strings.TrimSpace(t.Description) == "" {
		errs = append(errs, errors.New("task description is required"))
	}
	if len(t.Description) > MaxDescriptionLength {
		errs = append(errs, fmt.Errorf("task description exceeds %d bytes", MaxDescriptionLength))
	}
	if len(t.Name) > MaxNameLength {
		errs = append(errs, fmt.Errorf("name exceeds %d bytes", MaxNameLength))
	}
	if t.MaxTurns < 0 || t.MaxTurns > MaxTurnsOverride {
		errs = append(errs, fmt.Errorf("max_turns must be between 0 and %d", MaxTurnsOverride))
	}
	if t.Model != "" && (len(t.Model) > MaxModelLength || !modelName.MatchString(t.Model)) {
		errs = append(errs, fmt.Errorf("model must be a model identifier of at most %d bytes", MaxModelLength))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTask, errors.Join(errs...))
	}
	return nil
}

// Result is the artifact bundle of a finished job. Failed and cancelled jobs
// carry whatever the completed phases produced.
type Result struct {
	Artifacts []phase.Artifact  `json:"artifacts"`
	Files     map[string]string `json:"files,omitempty"`
	Workspace string            `json:"workspace,omitempty"`
	Commit    string            `json:"commit,omitempty"`
}

// Redacted returns a copy of r with every artifact and file passed through
// redact.
func (r *Result) Redacted(redact func(string) string) *Result {
	if r == nil {
		return nil
	}
	c := r.clone()
	for i := range c.Artifacts {
		c.Artifacts[i].Content = redact(c.Artifacts[i].Content)
	}
	for path, content := range c.Files {
		c.Files[path] = redact(content)
	}
	return c
}

func newResult(r *chain.Result) *Result {
	if r == nil || r.State == nil {
		return &Result{Artifacts: []phase.Artifact{}}
	}
	return &Result{
		Artifacts: append([]phase.Artifact{}, r.State.Artifacts...),
		Files:     maps.Clone(r.State.Files),
		Workspace: r.Workspace,
		Commit:    r.Commit,
	}
}

func (r *Result) clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Artifacts = append([]phase.Artifact{}, r.Artifacts...)
	c.Files = maps.Clone(r.Files)
	return &c
}

// JobError describes why a job failed. It never carries a stack trace.
type JobError struct {
	JobID string `json:"-"`
	Phase string `json:"phase,omitempty"`
	Turn  int    `json:"turn,omitempty"`
	Kind  string `json:"kind"`
	Cause string `json:"cause"`
}

func newJobError(jobID string, err error) *JobError {
	var pe *chain.PhaseError
	if errors.As(err, &pe) {
		return &JobError{JobID: jobID, Phase: pe.Phase, Turn: pe.Turn, Kind: pe.Kind(), Cause: pe.Summary()}
	}
	return &JobError{JobID: jobID, Kind: chain.KindInternal, Cause: err.Error()}
}

func (e *JobError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("job %s failed: %s", e.JobID, e.Cause)
	}
	return fmt.Sprintf("job %s failed in phase %s: %s", e.JobID, e.Phase, e.Cause)
}

// Is matches ErrFailed.
func (e *JobError) Is(target error) bool {
	return target == ErrFailed
}

// Job is a point-in-time snapshot. Snapshots are copies and never change.
type Job struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Task       string     `json:"task"`
	MaxTurns   int        `json:"max_turns,omitempty"`
	Model      string     `json:"model,omitempty"`
	Status     Status     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Phase      string     `json:"phase,omitempty"`
	PhaseIndex int        `json:"phase_index,omitempty"`
	PhaseTotal int        `json:"phase_total,omitempty"`
	Completed  []string   `json:"completed_phases"`
	Result     *Result    `json:"result,omitempty"`
	Error      *JobError  `json:"error,omitempty"`
}

func (j *Job) clone() Job {
	c := *j
	c.Completed = append([]string{}, j.Completed...)
	c.Result = j.Result.clone()
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
