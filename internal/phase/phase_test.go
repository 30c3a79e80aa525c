package phase_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/config"
	"github.com/fyrsmithlabs/devchain/internal/embeddings"
	"github.com/fyrsmithlabs/devchain/internal/logging"
	"github.com/fyrsmithlabs/devchain/internal/memory"
	"github.com/fyrsmithlabs/devchain/internal/phase"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
	"github.com/fyrsmithlabs/devchain/internal/telemetry"
)

const dim = 64

func agentPersona(name string) agent.Persona {
	return agent.Persona{Name: name, Prompt: "You are " + name + "."}
}

func languageDef() phase.Definition {
	return phase.Definition{
		Name:       "language_choose",
		Position:   1,
		Assistant:  agentPersona("CTO"),
		User:       agentPersona("CEO"),
		Prompt:     "Choose a language for {{.Task}}.",
		MaxTurns:   4,
		MemoryTopK: 3,
		Extraction: phase.Extraction{Kind: phase.ExtractAfterMarker, Artifact: "language"},
	}
}

func newStore(t *testing.T) memory.Store {
	t.Helper()
	s, err := memory.NewChromemStore(memory.ChromemConfig{Collection: "phase_test", Dimension: dim}, zap.NewNop())
	require.NoError(t, err)
	return s
}

type upperRedactor struct{}

func (upperRedactor) Redact(s string) string { return strings.ReplaceAll(s, "sk-secret", "[REDACTED]") }

func TestPhase_ExecuteWritesBack(t *testing.T) {
	store := newStore(t)
	backend := agent.NewScriptedBackend().
		On("CTO", roleplay.FormatConclusion("Python suits a CLI.", "Python sk-secret"))
	deps := phase.Deps{
		Backend:  backend,
		Store:    store,
		Embedder: embeddings.NewHashEmbedder(dim),
		Redactor: upperRedactor{},
	}
	p := phase.New(languageDef(), deps)

	ns := phase.Namespace("calc", "Build a CLI calculator")
	delta, err := p.Execute(context.Background(), phase.Input{
		JobID:     "job-1",
		Name:      "calc",
		Namespace: ns,
		State:     phase.NewProjectState("Build a CLI calculator"),
	})
	require.NoError(t, err)
	assert.Equal(t, "Python sk-secret", delta.Artifacts["language"])
	assert.Equal(t, 1, delta.Turns)
	assert.Equal(t, roleplay.ReasonMarker, delta.Reason)

	vec, err := embeddings.NewHashEmbedder(dim).EmbedQuery(context.Background(), "Python [REDACTED]")
	require.NoError(t, err)
	got, err := store.Query(context.Background(), vec, 1, memory.Filter{memory.MetaNamespace: ns})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ns+"/language_choose", got[0].Key)
	assert.Equal(t, "Python [REDACTED]", got[0].Content)
	assert.Equal(t, map[string]string{
		memory.MetaNamespace: ns,
		memory.MetaTask:      "Build a CLI calculator",
		memory.MetaPhase:     "language_choose",
		memory.MetaJobID:     "job-1",
	}, got[0].Metadata)
}

func TestPhase_RecallScopedToTask(t *testing.T) {
	store := newStore(t)
	embedder := embeddings.NewHashEmbedder(dim)
	ctx := context.Background()
	for _, it := range []struct{ key, ns, content string }{
		{"mine/coding", "mine", "calculator written in Go with cobra"},
		{"other/coding", "other", "calculator written in Rust"},
	} {
		vec, err := embedder.EmbedQuery(ctx, it.content)
		require.NoError(t, err)
		require.NoError(t, store.Add(ctx, memory.Item{
			Key: it.key, Content: it.content, Vector: vec,
			Metadata: map[string]string{memory.MetaNamespace: it.ns},
		}))
	}

	var seen string
	backend := agent.NewScriptedBackend().WithFallback(func(speaker string, _ []agent.Message, system string) string {
		if speaker == "CTO" && seen == "" {
			seen = system
		}
		return roleplay.FormatConclusion("", "Go")
	})

	for _, scope := range []string{config.ScopeTask, config.ScopeGlobal} {
		seen = ""
		p := phase.New(languageDef(), phase.Deps{Backend: backend, Store: store, Embedder: embedder, Scope: scope})
		_, err := p.Execute(ctx, phase.Input{JobID: "j", Namespace: "mine", State: phase.NewProjectState("calculator")})
		require.NoError(t, err)

		assert.Contains(t, seen, "Relevant past memories:")
		assert.Contains(t, seen, "cobra")
		if scope == config.ScopeTask {
			assert.NotContains(t, seen, "Rust")
		} else {
			assert.Contains(t, seen, "Rust")
		}
	}
}

func TestPhase_BoundedDialogueWithoutArtifact(t *testing.T) {
	backend := agent.NewScriptedBackend().On("CTO", "thinking").On("CEO", "keep thinking")
	p := phase.New(languageDef(), phase.Deps{Backend: backend})

	_, err := p.Execute(context.Background(), phase.Input{JobID: "j", State: phase.NewProjectState("t"), MaxTurns: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, phase.ErrExtraction)
	assert.ErrorIs(t, err, roleplay.ErrMaxTurns)
	assert.Equal(t, 2, backend.Calls("CTO"))
	assert.Equal(t, 1, backend.Calls("CEO"))
}

func TestPhase_BoundedDialogueWithArtifactIsAccepted(t *testing.T) {
	backend := agent.NewScriptedBackend().
		On("CTO", roleplay.FormatConclusion("", "Go")).
		On("CEO", "noted")
	d := languageDef()
	d.RequireMarkerFrom = roleplay.SideUser
	p := phase.New(d, phase.Deps{Backend: backend})

	delta, err := p.Execute(context.Background(), phase.Input{JobID: "j", State: phase.NewProjectState("t"), MaxTurns: 2})
	require.NoError(t, err)
	assert.Equal(t, "Go", delta.Artifacts["language"])
	assert.Equal(t, roleplay.ReasonMaxTurns, delta.Reason)
}

func TestPhase_TokenBudgetIsBounded(t *testing.T) {
	backend := agent.NewScriptedBackend().On("CTO", strings.Repeat("long answer ", 20)).On("CEO", "more")
	d := languageDef()
	d.MaxTokens = 20
	p := phase.New(d, phase.Deps{Backend: backend})

	_, err := p.Execute(context.Background(), phase.Input{JobID: "j", State: phase.NewProjectState("t")})
	require.Error(t, err)
	assert.ErrorIs(t, err, phase.ErrExtraction)
	assert.ErrorIs(t, err, roleplay.ErrMaxTurns)
	assert.Equal(t, 1, backend.Calls("CTO"))
}

// modelBackend records the model each call was made with.
type modelBackend struct {
	agent.Backend
	models []string
}

func (b *modelBackend) Complete(ctx context.Context, history []agent.Message, system string) (agent.Message, error) {
	b.models = append(b.models, agent.ModelFromContext(ctx))
	return b.Backend.Complete(ctx, history, system)
}

func TestPhase_ModelOverride(t *testing.T) {
	backend := &modelBackend{Backend: agent.NewScriptedBackend().
		On("CTO", "Go?").
		On("CEO", roleplay.FormatConclusion("", "Go"))}
	p := phase.New(languageDef(), phase.Deps{Backend: backend})

	_, err := p.Execute(context.Background(), phase.Input{JobID: "j", State: phase.NewProjectState("t"), Model: "gpt-4o-mini"})
	require.NoError(t, err)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o-mini"}, backend.models)
}

func TestPhase_DialogueFailure(t *testing.T) {
	backend := agent.NewScriptedBackend().Fail("*", agent.NewTransient("complete", errors.New("503")), -1)
	p := phase.New(languageDef(), phase.Deps{
		Backend: backend,
		Retry:   roleplay.RetryPolicy{Attempts: 2, Backoff: time.Millisecond},
	})

	_, err := p.Execute(context.Background(), phase.Input{JobID: "j", State: phase.NewProjectState("t")})
	require.Error(t, err)
	assert.ErrorIs(t, err, roleplay.ErrSessionFailed)
	assert.ErrorIs(t, err, agent.ErrTransient)
	assert.NotErrorIs(t, err, phase.ErrExtraction)
}

func TestPhase_Cancelled(t *testing.T) {
	backend := agent.NewScriptedBackend().On("CTO", "slow").WithDelay(time.Minute)
	p := phase.New(languageDef(), phase.Deps{Backend: backend})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Execute(ctx, phase.Input{JobID: "j", State: phase.NewProjectState("t")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPhase_SpanAndLogs(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	logger := logging.NewTestLogger()
	backend := agent.NewScriptedBackend().On("CTO", roleplay.FormatConclusion("", "Go"))
	p := phase.New(languageDef(), phase.Deps{Backend: backend, Tracer: tel.Tracer("test"), Logger: logger.Logger})

	_, err := p.Execute(context.Background(), phase.Input{JobID: "j", State: phase.NewProjectState("t")})
	require.NoError(t, err)

	assert.Equal(t, []string{"roleplay.Turn", "phase.Execute"}, tel.SpanNames())
	logger.AssertField(t, "phase completed", "phase.name", "language_choose")
}
