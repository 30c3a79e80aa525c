package phase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devchain/internal/memory"
	"github.com/fyrsmithlabs/devchain/internal/phase"
)

func TestProjectState_Merge(t *testing.T) {
	s0 := phase.NewProjectState("Build a CLI calculator")

	s1, err := s0.Merge(phase.Delta{Phase: "language_choose", Artifacts: map[string]string{"language": "Python"}})
	require.NoError(t, err)
	s2, err := s1.Merge(phase.Delta{
		Phase:     "coding",
		Artifacts: map[string]string{"code": "files"},
		Files:     map[string]string{"main.py": "v1"},
	})
	require.NoError(t, err)

	// Earlier states are untouched.
	assert.Empty(t, s0.Artifacts)
	assert.Len(t, s1.Artifacts, 1)
	assert.Empty(t, s1.Files)

	lang, ok := s2.Get("language")
	require.True(t, ok)
	assert.Equal(t, "Python", lang)
	assert.Equal(t, []string{"language_choose", "coding"}, s2.Phases)
	assert.Equal(t, "coding", s2.Artifacts[1].Phase)
	assert.True(t, s2.Completed("coding"))
}

func TestProjectState_WriteOnce(t *testing.T) {
	s, err := phase.NewProjectState("t").Merge(phase.Delta{Phase: "a", Artifacts: map[string]string{"x": "1"}})
	require.NoError(t, err)

	_, err = s.Merge(phase.Delta{Phase: "b", Artifacts: map[string]string{"x": "2"}})
	assert.ErrorIs(t, err, phase.ErrAlreadyWritten)

	_, err = s.Merge(phase.Delta{Phase: "a", Artifacts: map[string]string{"y": "2"}})
	assert.ErrorIs(t, err, phase.ErrAlreadyWritten)

	_, err = s.Merge(phase.Delta{Artifacts: map[string]string{"z": "3"}})
	assert.ErrorIs(t, err, phase.ErrEmptyDelta)

	got, _ := s.Get("x")
	assert.Equal(t, "1", got)
}

func TestProjectState_FilesAreRevisable(t *testing.T) {
	s, err := phase.NewProjectState("t").Merge(phase.Delta{Phase: "coding", Files: map[string]string{"main.py": "v1"}})
	require.NoError(t, err)
	s, err = s.Merge(phase.Delta{Phase: "code_review", Files: map[string]string{"main.py": "v2"}})
	require.NoError(t, err)
	assert.Equal(t, "v2", s.Files["main.py"])
}

func TestRenderPrompt(t *testing.T) {
	d := phase.Definition{
		Name:      "coding",
		Assistant: agentPersona("Programmer"),
		User:      agentPersona("CTO"),
		Prompt:    "{{.Assistant}} writes {{.State.language}} for {{.Task}} ({{.Name}}); missing={{.State.nope}}; end with {{.Marker}}",
	}
	s, err := phase.NewProjectState("a calculator").Merge(phase.Delta{Phase: "lc", Artifacts: map[string]string{"language": "Go"}})
	require.NoError(t, err)

	got, err := phase.RenderPrompt(d, "calc", s)
	require.NoError(t, err)
	assert.Equal(t, "Programmer writes Go for a calculator (calc); missing=; end with <<<DEVCHAIN:DONE:v1>>>", got)
}

func TestBuildContext(t *testing.T) {
	s, err := phase.NewProjectState("a calculator").Merge(phase.Delta{
		Phase:     "x",
		Artifacts: map[string]string{"language": "Go", "modality": "CLI"},
	})
	require.NoError(t, err)

	d := phase.Definition{StateKeys: []string{"language", "missing"}}
	ctx := phase.BuildContext(d, s, []memory.Match{
		{Item: memory.Item{Key: "calc-1/coding", Content: "used cobra"}, Score: 0.91},
	})

	assert.Contains(t, ctx, "Task: a calculator")
	assert.Contains(t, ctx, "- language: Go")
	assert.NotContains(t, ctx, "modality")
	assert.Contains(t, ctx, "Relevant past memories:\n1. [calc-1/coding] (similarity 0.91)\nused cobra")

	plain := phase.BuildContext(phase.Definition{}, s, nil)
	assert.Contains(t, plain, "- modality: CLI")
	assert.NotContains(t, plain, "Relevant past memories")
}

func TestNamespace(t *testing.T) {
	a := phase.Namespace("My Calculator!", "Build a CLI calculator")
	assert.Equal(t, a, phase.Namespace("My Calculator!", "  Build a CLI calculator "))
	assert.Regexp(t, `^my-calculator-[0-9a-f]{12}$`, a)
	assert.NotEqual(t, a, phase.Namespace("My Calculator!", "Build a GUI calculator"))
	assert.Regexp(t, `^[0-9a-f]{12}$`, phase.Namespace("", "x"))
}
