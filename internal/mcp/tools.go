package mcp

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/jobs"
)

// maxWait caps job_status wait_seconds.
const maxWait = 5 * time.Minute

type jobSubmitInput struct {
	Task     string `json:"task" jsonschema:"required,Natural-language description of the software to build"`
	Name     string `json:"name,omitempty" jsonschema:"Project name used for the workspace directory"`
	MaxTurns int    `json:"max_turns,omitempty" jsonschema:"Override every phase's turn limit (1-100)"`
	Model    string `json:"model,omitempty" jsonschema:"Chat model for every agent in this job; defaults to the configured model"`
}

type jobSubmitOutput struct {
	JobID  string `json:"job_id" jsonschema:"Job identifier"`
	Status string `json:"status" jsonschema:"Initial job status"`
}

type jobStatusInput struct {
	JobID       string `json:"job_id" jsonschema:"required,Job identifier"`
	WaitSeconds int    `json:"wait_seconds,omitempty" jsonschema:"Block up to this many seconds for the job to finish"`
}

type jobStatusOutput struct {
	JobID      string   `json:"job_id" jsonschema:"Job identifier"`
	Name       string   `json:"name" jsonschema:"Project name"`
	Status     string   `json:"status" jsonschema:"pending, running, succeeded, failed or cancelled"`
	Phase      string   `json:"phase,omitempty" jsonschema:"Current or last phase"`
	PhaseIndex int      `json:"phase_index,omitempty" jsonschema:"1-based index of the current phase"`
	PhaseTotal int      `json:"phase_total,omitempty" jsonschema:"Number of phases in the chain"`
	Completed  []string `json:"completed_phases" jsonschema:"Phases finished so far"`
	Error      string   `json:"error,omitempty" jsonschema:"Failure summary"`
}

type jobResultInput struct {
	JobID string `json:"job_id" jsonschema:"required,Job identifier"`
}

type artifactOutput struct {
	Name    string `json:"name" jsonschema:"Artifact name"`
	Phase   string `json:"phase" jsonschema:"Phase that produced it"`
	Content string `json:"content" jsonschema:"Artifact content"`
}

type jobResultOutput struct {
	JobID     string            `json:"job_id" jsonschema:"Job identifier"`
	Status    string            `json:"status" jsonschema:"Terminal status"`
	Artifacts []artifactOutput  `json:"artifacts" jsonschema:"Artifacts in production order"`
	Files     map[string]string `json:"files,omitempty" jsonschema:"Generated source files by path"`
	Workspace string            `json:"workspace,omitempty" jsonschema:"Exported workspace directory"`
	Commit    string            `json:"commit,omitempty" jsonschema:"Workspace commit hash"`
	Error     string            `json:"error,omitempty" jsonschema:"Failure summary"`
}

type jobCancelInput struct {
	JobID string `json:"job_id" jsonschema:"required,Job identifier"`
}

func (s *Server) registerJobTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_submit",
		Description: "Submit a software-building task; returns immediately with a job id",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args jobSubmitInput) (*mcp.CallToolResult, jobSubmitOutput, error) {
		done := s.track(ctx, "job_submit")
		id, err := s.jobs.Submit(ctx, jobs.Task{Name: args.Name, Description: args.Task, MaxTurns: args.MaxTurns, Model: args.Model})
		done(err)
		if err != nil {
			return nil, jobSubmitOutput{}, fmt.Errorf("job_submit: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Job submitted: %s", id)}},
		}, jobSubmitOutput{JobID: id, Status: string(jobs.StatusPending)}, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_status",
		Description: "Get a job's status and phase progress, optionally waiting for it to finish",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args jobStatusInput) (*mcp.CallToolResult, jobStatusOutput, error) {
		done := s.track(ctx, "job_status")
		job, err := s.status(ctx, args)
		done(err)
		if err != nil {
			return nil, jobStatusOutput{}, fmt.Errorf("job_status: %w", err)
		}

		out := jobStatusOutput{
			JobID:      job.ID,
			Name:       job.Name,
			Status:     string(job.Status),
			Phase:      job.Phase,
			PhaseIndex: job.PhaseIndex,
			PhaseTotal: job.PhaseTotal,
			Completed:  job.Completed,
		}
		if job.Error != nil {
			out.Error = s.redact(job.Error.Error())
		}
		text := fmt.Sprintf("Job %s is %s", job.ID, job.Status)
		if job.Phase != "" && !job.Status.Terminal() {
			text += fmt.Sprintf(" (phase %d/%d: %s)", job.PhaseIndex, job.PhaseTotal, job.Phase)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_result",
		Description: "Get the artifacts of a finished job",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args jobResultInput) (*mcp.CallToolResult, jobResultOutput, error) {
		done := s.track(ctx, "job_result")
		job, err := s.jobs.Get(args.JobID)
		if err != nil {
			done(err)
			return nil, jobResultOutput{}, fmt.Errorf("job_result: %w", err)
		}
		res, resErr := s.jobs.GetResult(args.JobID)
		if !job.Status.Terminal() {
			done(jobs.ErrNotTerminal)
			return nil, jobResultOutput{}, fmt.Errorf("job_result: %w", jobs.ErrNotTerminal)
		}
		done(nil)

		out := jobResultOutput{JobID: job.ID, Status: string(job.Status), Artifacts: []artifactOutput{}}
		if resErr != nil {
			out.Error = s.redact(resErr.Error())
		}
		if res := res.Redacted(s.redact); res != nil {
			for _, a := range res.Artifacts {
				out.Artifacts = append(out.Artifacts, artifactOutput{Name: a.Name, Phase: a.Phase, Content: a.Content})
			}
			out.Files = res.Files
			out.Workspace = res.Workspace
			out.Commit = res.Commit
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{
				Text: fmt.Sprintf("Job %s %s with %d artifacts and %d files", job.ID, job.Status, len(out.Artifacts), len(out.Files)),
			}},
		}, out, nil
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "job_cancel",
		Description: "Cancel a pending or running job",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args jobCancelInput) (*mcp.CallToolResult, jobStatusOutput, error) {
		done := s.track(ctx, "job_cancel")
		job, err := s.jobs.Cancel(ctx, args.JobID)
		done(err)
		if err != nil {
			return nil, jobStatusOutput{}, fmt.Errorf("job_cancel: %w", err)
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Cancellation requested for job %s (now %s)", job.ID, job.Status)}},
		}, jobStatusOutput{JobID: job.ID, Name: job.Name, Status: string(job.Status), Phase: job.Phase, Completed: job.Completed}, nil
	})
}

// status returns a snapshot, first waiting up to WaitSeconds for the job to
// finish. A wait that runs out is not an error.
func (s *Server) status(ctx context.Context, args jobStatusInput) (jobs.Job, error) {
	if args.WaitSeconds <= 0 {
		return s.jobs.Get(args.JobID)
	}
	wait := time.Duration(args.WaitSeconds) * time.Second
	if wait > maxWait {
		wait = maxWait
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	job, err := s.jobs.Wait(wctx, args.JobID)
	if err != nil && wctx.Err() != nil && ctx.Err() == nil {
		return s.jobs.Get(args.JobID)
	}
	return job, err
}

// track records metrics for one tool call. The returned func must be called
// exactly once with the call's error.
func (s *Server) track(ctx context.Context, tool string) func(error) {
	done := s.metrics.Begin(ctx, tool)
	return func(err error) {
		done(err)
		if err != nil {
			s.logger.Debug("tool call failed", zap.String("tool", tool), zap.Error(err))
		}
	}
}
