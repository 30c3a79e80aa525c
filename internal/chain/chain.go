// Package chain runs a job's phases in their fixed order, threading the
// project state from each phase into the next.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/logging"
	"github.com/fyrsmithlabs/devchain/internal/phase"
)

// ErrNoPhases is returned by New for an empty definition list.
var ErrNoPhases = errors.New("chain has no phases")

// PhaseStatus is reported through the progress callback.
type PhaseStatus string

const (
	PhaseStarted   PhaseStatus = "started"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseCancelled PhaseStatus = "cancelled"
)

// PhaseProgress describes one phase transition.
type PhaseProgress struct {
	Phase  string      `json:"phase"`
	Index  int         `json:"index"` // 1-based
	Total  int         `json:"total"`
	Status PhaseStatus `json:"status"`
	Turns  int         `json:"turns,omitempty"`
}

// ProgressCallback receives progress updates on the goroutine running the chain.
type ProgressCallback func(PhaseProgress)

// Request is the immutable input of one chain run.
type Request struct {
	JobID string
	Name  string
	Task  string
	// MaxTurns overrides every phase's turn budget when positive.
	MaxTurns int
	// Model selects the chat model for every phase; empty keeps the default.
	Model string
}

// Result is the outcome of a run. It is returned alongside errors too, with
// the state as of the last merged phase.
type Result struct {
	State *phase.ProjectState `json:"state"`
	// Workspace and Commit are set when generated files were exported.
	Workspace string `json:"workspace,omitempty"`
	Commit    string `json:"commit,omitempty"`
}

// Exporter persists generated files once a chain has succeeded.
type Exporter interface {
	Export(ctx context.Context, name, jobID string, files map[string]string) (dir, commit string, err error)
}

// Chain is an ordered list of phase definitions bound to shared dependencies.
// A Chain is safe to Run concurrently for different jobs. Replacing the
// definitions affects only runs that start afterwards.
type Chain struct {
	defs         atomic.Pointer[[]phase.Definition]
	deps         phase.Deps
	phaseTimeout time.Duration
	exporter     Exporter
}

// Option configures a Chain.
type Option func(*Chain)

// WithPhaseTimeout bounds the wall-clock time of each phase. Zero disables it.
func WithPhaseTimeout(d time.Duration) Option {
	return func(c *Chain) { c.phaseTimeout = d }
}

// WithExporter exports code files after a successful run.
func WithExporter(e Exporter) Option {
	return func(c *Chain) { c.exporter = e }
}

// New creates a chain over defs, which must already be sorted by position.
func New(defs []phase.Definition, deps phase.Deps, opts ...Option) (*Chain, error) {
	if len(defs) == 0 {
		return nil, ErrNoPhases
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("devchain.chain")
	}
	c := &Chain{deps: deps}
	_ = c.SetDefinitions(defs)
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetDefinitions replaces the phase list. An empty list is ignored and
// reported as ErrNoPhases.
func (c *Chain) SetDefinitions(defs []phase.Definition) error {
	if len(defs) == 0 {
		return ErrNoPhases
	}
	cp := append([]phase.Definition(nil), defs...)
	c.defs.Store(&cp)
	return nil
}

func (c *Chain) definitions() []phase.Definition {
	return *c.defs.Load()
}

// Phases returns the phase names in execution order.
func (c *Chain) Phases() []string {
	defs := c.definitions()
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// Run executes every phase in order. A phase failure is terminal and is
// returned as a *PhaseError. Cancelling ctx stops the run at the current
// phase and returns the context error.
func (c *Chain) Run(ctx context.Context, req Request, progress ProgressCallback) (*Result, error) {
	defs := c.definitions()
	ctx = logging.WithJobID(ctx, req.JobID)
	ctx, span := c.deps.Tracer.Start(ctx, "chain.Run", trace.WithAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.name", req.Name),
		attribute.Int("chain.phases", len(defs)),
	))
	defer span.End()

	if progress == nil {
		progress = func(PhaseProgress) {}
	}
	log := c.deps.Logger
	res := &Result{State: phase.NewProjectState(req.Task)}
	namespace := phase.Namespace(req.Name, req.Task)
	total := len(defs)

	for i, def := range defs {
		report := func(status PhaseStatus, turns int) {
			progress(PhaseProgress{Phase: def.Name, Index: i + 1, Total: total, Status: status, Turns: turns})
		}

		if err := ctx.Err(); err != nil {
			report(PhaseCancelled, 0)
			span.SetStatus(codes.Error, "cancelled")
			return res, err
		}
		report(PhaseStarted, 0)

		delta, err := c.runPhase(ctx, def, phase.Input{
			JobID:     req.JobID,
			Name:      req.Name,
			Namespace: namespace,
			State:     res.State,
			MaxTurns:  req.MaxTurns,
			Model:     req.Model,
		})
		if err == nil {
			var next *phase.ProjectState
			next, err = res.State.Merge(delta)
			if err != nil {
				err = newPhaseError(req.JobID, def.Name, fmt.Errorf("merging artifacts: %w", err), false)
			} else {
				res.State = next
			}
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				report(PhaseCancelled, 0)
				log.Info(ctx, "chain cancelled", zap.String("phase", def.Name))
				span.SetStatus(codes.Error, "cancelled")
				return res, ctxErr
			}
			var pe *PhaseError
			if errors.As(err, &pe) {
				PhaseFailures.WithLabelValues(def.Name, pe.Kind()).Inc()
			}
			report(PhaseFailed, 0)
			log.Error(ctx, "chain failed", zap.String("phase", def.Name), zap.Error(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		report(PhaseCompleted, delta.Turns)
	}

	c.export(ctx, req, res)
	span.SetStatus(codes.Ok, "completed")
	log.Info(ctx, "chain completed",
		zap.Int("phases", total),
		zap.Int("files", len(res.State.Files)))
	return res, nil
}

// runPhase executes one phase under the per-phase timeout and records its
// duration. Non-cancellation failures come back as *PhaseError.
func (c *Chain) runPhase(ctx context.Context, def phase.Definition, in phase.Input) (phase.Delta, error) {
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if c.phaseTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, c.phaseTimeout)
	}
	defer cancel()

	start := time.Now()
	delta, err := phase.New(def, c.deps).Execute(pctx, in)
	outcome := "succeeded"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = "failed"
		timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
		err = newPhaseError(in.JobID, def.Name, err, timedOut)
	}
	PhaseDuration.WithLabelValues(def.Name, outcome).Observe(time.Since(start).Seconds())
	return delta, err
}

// export writes generated files to the workspace. Failures are logged only.
func (c *Chain) export(ctx context.Context, req Request, res *Result) {
	if c.exporter == nil || len(res.State.Files) == 0 {
		return
	}
	dir, commit, err := c.exporter.Export(ctx, req.Name, req.JobID, res.State.Files)
	if err != nil {
		c.deps.Logger.Warn(ctx, "workspace export failed", zap.Error(err))
		return
	}
	res.Workspace, res.Commit = dir, commit
}
