// Package phase runs one pipeline stage: it recalls memories, plays a
// two-agent dialogue, extracts the stage's artifact and writes it back to
// memory.
package phase

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/config"
	"github.com/fyrsmithlabs/devchain/internal/embeddings"
	"github.com/fyrsmithlabs/devchain/internal/logging"
	"github.com/fyrsmithlabs/devchain/internal/memory"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
)

// ErrMemory wraps a failed memory recall.
var ErrMemory = errors.New("memory recall failed")

// Redactor scrubs secrets from text before it is stored.
type Redactor interface {
	Redact(text string) string
}

// Deps are the collaborators shared by every phase of a chain.
type Deps struct {
	Backend  agent.Backend
	Store    memory.Store
	Embedder embeddings.Embedder
	Redactor Redactor
	Logger   *logging.Logger
	Tracer   trace.Tracer

	Retry      roleplay.RetryPolicy
	MaxHistory int
	// Scope is config.ScopeTask (recall only the task's own memories) or
	// config.ScopeGlobal.
	Scope string
}

// Input is what a phase needs from its job.
type Input struct {
	JobID string
	Name  string
	// Namespace scopes memory; see Namespace.
	Namespace string
	State     *ProjectState
	// MaxTurns overrides the definition when positive.
	MaxTurns int
	// Model overrides the backend's configured chat model when set.
	Model string
}

// Phase executes one Definition.
type Phase struct {
	def  Definition
	deps Deps
}

// New binds def to deps.
func New(def Definition, deps Deps) *Phase {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("devchain.phase")
	}
	if deps.Retry.Attempts == 0 {
		deps.Retry = roleplay.DefaultRetryPolicy()
	}
	if deps.Scope == "" {
		deps.Scope = config.ScopeTask
	}
	return &Phase{def: def, deps: deps}
}

// Name returns the phase name.
func (p *Phase) Name() string {
	return p.def.Name
}

// Definition returns the static definition.
func (p *Phase) Definition() Definition {
	return p.def
}

// Execute runs the phase against in.State, which it does not modify.
//
// Errors: a *roleplay.SessionError when the dialogue failed, an
// *ExtractionError when it finished without an artifact, ErrMemory when
// recall failed, or the context error when cancelled.
func (p *Phase) Execute(ctx context.Context, in Input) (Delta, error) {
	ctx = logging.WithPhase(ctx, p.def.Name)
	ctx, span := p.deps.Tracer.Start(ctx, "phase.Execute", trace.WithAttributes(
		attribute.String("phase.name", p.def.Name),
		attribute.String("job.id", in.JobID),
	))
	defer span.End()

	delta, err := p.execute(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Delta{}, err
	}
	span.SetAttributes(
		attribute.Int("phase.turns", delta.Turns),
		attribute.String("phase.reason", string(delta.Reason)),
	)
	return delta, nil
}

func (p *Phase) execute(ctx context.Context, in Input) (Delta, error) {
	ctx = agent.WithModel(ctx, in.Model)
	state := in.State
	if state == nil {
		state = NewProjectState("")
	}
	log := p.deps.Logger

	prompt, err := RenderPrompt(p.def, in.Name, state)
	if err != nil {
		return Delta{}, err
	}

	memories, err := p.recall(ctx, in, state.Task)
	if err != nil {
		return Delta{}, err
	}
	extra := BuildContext(p.def, state, memories)

	maxTurns := p.def.MaxTurns
	if in.MaxTurns > 0 {
		maxTurns = in.MaxTurns
	}
	assistant := agent.New(p.def.Assistant, p.deps.Backend, agent.WithMaxHistory(p.deps.MaxHistory))
	user := agent.New(p.def.User, p.deps.Backend, agent.WithMaxHistory(p.deps.MaxHistory))
	session, err := roleplay.NewSession(assistant, user,
		roleplay.TerminationPolicy{MaxTurns: maxTurns, MaxTokens: p.def.MaxTokens, RequireMarkerFrom: p.def.RequireMarkerFrom},
		roleplay.WithRetryPolicy(p.deps.Retry),
		roleplay.WithLogger(log),
		roleplay.WithTracer(p.deps.Tracer),
	)
	if err != nil {
		return Delta{}, err
	}

	log.Info(ctx, "phase started",
		zap.Int("max_turns", maxTurns),
		zap.Int("memories", len(memories)))

	res, err := session.Run(ctx, prompt, extra)
	if err != nil {
		return Delta{}, err
	}
	if res.Reason == roleplay.ReasonCancelled {
		if ctx.Err() != nil {
			return Delta{}, ctx.Err()
		}
		return Delta{}, context.Canceled
	}

	delta, err := Extract(p.def, res.Transcript)
	if err != nil {
		var ee *ExtractionError
		if errors.As(err, &ee) {
			ee.Bounded = !res.Reason.Clean()
		}
		log.Warn(ctx, "artifact extraction failed",
			zap.Int("turns", res.Turns),
			zap.String("reason", string(res.Reason)),
			zap.Error(err))
		return Delta{}, err
	}
	delta.Turns = res.Turns
	delta.Reason = res.Reason

	p.remember(ctx, in, state.Task, delta)

	log.Info(ctx, "phase completed",
		zap.Int("turns", res.Turns),
		zap.String("reason", string(res.Reason)),
		zap.Int("files", len(delta.Files)))
	return delta, nil
}

// recall returns the top memories for the task, or nothing when the phase
// does not use memory.
func (p *Phase) recall(ctx context.Context, in Input, task string) ([]memory.Match, error) {
	if p.def.MemoryTopK <= 0 || p.deps.Store == nil || p.deps.Embedder == nil || task == "" {
		return nil, nil
	}
	vec, err := p.deps.Embedder.EmbedQuery(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding task: %w", ErrMemory, err)
	}

	var filter memory.Filter
	if p.deps.Scope == config.ScopeTask && in.Namespace != "" {
		filter = memory.Filter{memory.MetaNamespace: in.Namespace}
	}
	matches, err := p.deps.Store.Query(ctx, vec, p.def.MemoryTopK, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMemory, err)
	}
	return matches, nil
}

// remember stores the phase's artifacts. Failures are logged only.
func (p *Phase) remember(ctx context.Context, in Input, task string, delta Delta) {
	if p.deps.Store == nil || p.deps.Embedder == nil {
		return
	}
	text := delta.Artifacts[p.def.Extraction.Artifact]
	if text == "" {
		return
	}
	if p.deps.Redactor != nil {
		text = p.deps.Redactor.Redact(text)
	}

	vecs, err := p.deps.Embedder.EmbedDocuments(ctx, []string{text})
	if err != nil || len(vecs) != 1 {
		p.deps.Logger.Warn(ctx, "memory write-back skipped", zap.String("step", "embed"), zap.Error(err))
		return
	}

	namespace := in.Namespace
	if namespace == "" {
		namespace = in.JobID
	}
	item := memory.Item{
		Key:     namespace + "/" + p.def.Name,
		Content: text,
		Vector:  vecs[0],
		Metadata: map[string]string{
			memory.MetaNamespace: namespace,
			memory.MetaTask:      task,
			memory.MetaPhase:     p.def.Name,
			memory.MetaJobID:     in.JobID,
		},
	}
	if err := p.deps.Store.Add(ctx, item); err != nil {
		p.deps.Logger.Warn(ctx, "memory write-back failed", zap.String("key", item.Key), zap.Error(err))
	}
}
