package chain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/chain"
	"github.com/fyrsmithlabs/devchain/internal/phase"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
	"github.com/fyrsmithlabs/devchain/internal/telemetry"
)

const (
	cpo        = "Chief Product Officer"
	cto        = "Chief Technology Officer"
	programmer = "Programmer"
	reviewer   = "Code Reviewer"
)

func calculatorBackend() *agent.ScriptedBackend {
	return agent.NewScriptedBackend().
		On(cpo,
			roleplay.FormatConclusion("A terminal tool fits.", "Command-line application"),
			roleplay.FormatConclusion("", "# Calculator\n\nRun `python main.py`."),
		).
		On(cto, roleplay.FormatConclusion("", "Python")).
		On(programmer, "```python main.py\nprint(eval(input()))\n```\n"+roleplay.Marker).
		On(reviewer, roleplay.FormatConclusion("", "No blocking issues."))
}

func fastRetry() roleplay.RetryPolicy {
	return roleplay.RetryPolicy{Attempts: 2, Backoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newChain(t *testing.T, backend agent.Backend, opts ...chain.Option) *chain.Chain {
	t.Helper()
	defs, err := phase.DefaultDefinitions()
	require.NoError(t, err)
	c, err := chain.New(defs, phase.Deps{Backend: backend, Retry: fastRetry()}, opts...)
	require.NoError(t, err)
	return c
}

type progressLog struct {
	mu     sync.Mutex
	events []chain.PhaseProgress
}

func (p *progressLog) record(e chain.PhaseProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *progressLog) last() chain.PhaseProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

func TestChain_CalculatorScenario(t *testing.T) {
	c := newChain(t, calculatorBackend())
	var progress progressLog

	res, err := c.Run(context.Background(), chain.Request{
		JobID: "job-1",
		Name:  "calculator",
		Task:  "Build a CLI calculator",
	}, progress.record)
	require.NoError(t, err)

	state := res.State
	assert.Equal(t, []string{"demand_analysis", "language_choose", "coding", "code_review", "manual"}, state.Phases)
	for key, want := range map[string]string{
		"modality": "Command-line application",
		"language": "Python",
		"review":   "No blocking issues.",
	} {
		got, ok := state.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got)
	}
	code, ok := state.Get("code")
	require.True(t, ok)
	assert.Contains(t, code, "main.py")
	assert.Equal(t, map[string]string{"main.py": "print(eval(input()))\n"}, state.Files)

	require.Len(t, progress.events, 10)
	assert.Equal(t, chain.PhaseProgress{Phase: "demand_analysis", Index: 1, Total: 5, Status: chain.PhaseStarted}, progress.events[0])
	assert.Equal(t, chain.PhaseProgress{Phase: "manual", Index: 5, Total: 5, Status: chain.PhaseCompleted, Turns: 1}, progress.last())
}

func TestChain_TransientFailureStopsChain(t *testing.T) {
	backend := calculatorBackend().
		Fail(cto, agent.NewTransient("complete", errors.New("status code: 503")), -1)
	c := newChain(t, backend)
	var progress progressLog

	res, err := c.Run(context.Background(), chain.Request{JobID: "job-2", Name: "calc", Task: "Build a CLI calculator"}, progress.record)
	require.Error(t, err)

	var pe *chain.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "job-2", pe.JobID)
	assert.Equal(t, "language_choose", pe.Phase)
	assert.Equal(t, 1, pe.Turn)
	assert.Equal(t, chain.KindTransient, pe.Kind())
	assert.ErrorIs(t, err, agent.ErrTransient)
	assert.Contains(t, pe.Summary(), `phase "language_choose" LLM backend kept failing after retries at turn 1`)

	assert.Equal(t, 2, backend.Calls(cto))
	assert.Zero(t, backend.Calls(programmer))
	assert.Equal(t, []string{"demand_analysis"}, res.State.Phases)
	assert.Equal(t, chain.PhaseFailed, progress.last().Status)
}

func TestChain_ExtractionFailure(t *testing.T) {
	backend := agent.NewScriptedBackend().
		On(cpo, roleplay.FormatConclusion("", "CLI")).
		On(cto, roleplay.FormatConclusion("", "Python")).
		On(programmer, "I would rather not write code.")
	c := newChain(t, backend)

	_, err := c.Run(context.Background(), chain.Request{JobID: "j", Task: "t", MaxTurns: 1}, nil)
	var pe *chain.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "coding", pe.Phase)
	assert.Equal(t, chain.KindExtraction, pe.Kind())
	assert.ErrorIs(t, err, roleplay.ErrMaxTurns)
	assert.Zero(t, pe.Turn)
}

func TestChain_CancelAtPhaseBoundary(t *testing.T) {
	backend := calculatorBackend()
	c := newChain(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var progress progressLog
	res, err := c.Run(ctx, chain.Request{JobID: "j", Task: "t"}, func(p chain.PhaseProgress) {
		progress.record(p)
		if p.Phase == "language_choose" && p.Status == chain.PhaseCompleted {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	var pe *chain.PhaseError
	assert.False(t, errors.As(err, &pe))

	assert.Equal(t, []string{"demand_analysis", "language_choose"}, res.State.Phases)
	assert.Equal(t, chain.PhaseProgress{Phase: "coding", Index: 3, Total: 5, Status: chain.PhaseCancelled}, progress.last())
	assert.Zero(t, backend.Calls(programmer))
}

func TestChain_CancelDuringDialogue(t *testing.T) {
	backend := agent.NewScriptedBackend().On(cpo, "thinking").WithDelay(time.Minute)
	c := newChain(t, backend)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, chain.Request{JobID: "j", Task: "t"}, nil)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("chain did not stop after cancellation")
	}
}

func TestChain_PhaseTimeout(t *testing.T) {
	backend := agent.NewScriptedBackend().On(cpo, "thinking").WithDelay(time.Minute)
	c := newChain(t, backend, chain.WithPhaseTimeout(20*time.Millisecond))

	_, err := c.Run(context.Background(), chain.Request{JobID: "j", Task: "t"}, nil)
	var pe *chain.PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "demand_analysis", pe.Phase)
	assert.Equal(t, chain.KindTimeout, pe.Kind())
	assert.ErrorIs(t, err, chain.ErrPhaseTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeExporter struct {
	files map[string]string
	err   error
}

func (f *fakeExporter) Export(_ context.Context, name, jobID string, files map[string]string) (string, string, error) {
	f.files = files
	if f.err != nil {
		return "", "", f.err
	}
	return "/tmp/ws/" + name + "_" + jobID, "abc123", nil
}

func TestChain_Export(t *testing.T) {
	exp := &fakeExporter{}
	c := newChain(t, calculatorBackend(), chain.WithExporter(exp))

	res, err := c.Run(context.Background(), chain.Request{JobID: "j1", Name: "calc", Task: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", res.Commit)
	assert.Equal(t, "/tmp/ws/calc_j1", res.Workspace)
	assert.Contains(t, exp.files, "main.py")

	failing := &fakeExporter{err: errors.New("disk full")}
	c = newChain(t, calculatorBackend(), chain.WithExporter(failing))
	res, err = c.Run(context.Background(), chain.Request{JobID: "j2", Name: "calc", Task: "t"}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Commit)
}

func TestChain_Spans(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	defs, err := phase.DefaultDefinitions()
	require.NoError(t, err)
	c, err := chain.New(defs[:1], phase.Deps{Backend: calculatorBackend(), Tracer: tel.Tracer("test")})
	require.NoError(t, err)

	_, err = c.Run(context.Background(), chain.Request{JobID: "j", Task: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"roleplay.Turn", "phase.Execute", "chain.Run"}, tel.SpanNames())
}

func TestNew_NoPhases(t *testing.T) {
	_, err := chain.New(nil, phase.Deps{})
	assert.ErrorIs(t, err, chain.ErrNoPhases)
}

func TestChain_SetDefinitions(t *testing.T) {
	defs, err := phase.DefaultDefinitions()
	require.NoError(t, err)
	c, err := chain.New(defs, phase.Deps{Backend: calculatorBackend()})
	require.NoError(t, err)

	assert.ErrorIs(t, c.SetDefinitions(nil), chain.ErrNoPhases)
	assert.Len(t, c.Phases(), 5)

	require.NoError(t, c.SetDefinitions(defs[:1]))
	assert.Equal(t, []string{"demand_analysis"}, c.Phases())

	var progress progressLog
	_, err = c.Run(context.Background(), chain.Request{JobID: "j", Task: "t"}, progress.record)
	require.NoError(t, err)
	assert.Equal(t, 1, progress.last().Total)
}

func TestPhaseError_Summary(t *testing.T) {
	tests := []struct {
		name string
		err  *chain.PhaseError
		kind string
		want string
	}{
		{
			name: "fatal backend",
			err:  &chain.PhaseError{Phase: "coding", Turn: 2, Err: agent.NewFatal("complete", errors.New("status code: 401"))},
			kind: chain.KindFatal,
			want: `phase "coding" LLM backend rejected the request at turn 2: complete fatal: status code: 401`,
		},
		{
			name: "memory",
			err:  &chain.PhaseError{Phase: "coding", Err: phase.ErrMemory},
			kind: chain.KindMemory,
			want: `phase "coding" could not read project memory: memory recall failed`,
		},
		{
			name: "internal",
			err:  &chain.PhaseError{Phase: "manual", Err: errors.New("boom")},
			kind: chain.KindInternal,
			want: `phase "manual" failed: boom`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind())
			assert.Equal(t, tt.want, tt.err.Summary())
		})
	}
}
