package phase_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/phase"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
)

func transcript(contents ...string) []agent.Message {
	msgs := []agent.Message{{Seq: 0, Speaker: "CEO", Content: "opening mentions\n" + roleplay.Marker + "\nnot an artifact"}}
	for i, c := range contents {
		msgs = append(msgs, agent.Message{Seq: i + 1, Speaker: "agent", Content: c})
	}
	return msgs
}

func def(kind phase.ExtractionKind, artifact string) phase.Definition {
	return phase.Definition{Name: "test", Extraction: phase.Extraction{Kind: kind, Artifact: artifact}}
}

func TestExtract_AfterMarker(t *testing.T) {
	d := def(phase.ExtractAfterMarker, "language")
	tr := transcript(
		roleplay.FormatConclusion("early", "Rust"),
		"on second thought",
		roleplay.FormatConclusion("final", "Python"),
		"thanks",
	)

	delta, err := phase.Extract(d, tr)
	require.NoError(t, err)
	assert.Equal(t, "test", delta.Phase)
	assert.Equal(t, map[string]string{"language": "Python"}, delta.Artifacts)

	again, err := phase.Extract(d, tr)
	require.NoError(t, err)
	assert.Equal(t, delta, again)
}

func TestExtract_AfterMarkerMissing(t *testing.T) {
	_, err := phase.Extract(def(phase.ExtractAfterMarker, "language"), transcript("no", "conclusion"))
	require.Error(t, err)
	assert.ErrorIs(t, err, phase.ErrExtraction)
	assert.NotErrorIs(t, err, roleplay.ErrMaxTurns)

	var ee *phase.ExtractionError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "test", ee.Phase)
	assert.Equal(t, phase.ExtractAfterMarker, ee.Rule)
}

func TestExtract_EmptyPayload(t *testing.T) {
	_, err := phase.Extract(def(phase.ExtractAfterMarker, "x"), transcript("done\n"+roleplay.Marker))
	assert.ErrorIs(t, err, phase.ErrExtraction)
}

func TestExtract_CodeBlocks(t *testing.T) {
	last := "Here you go:\n```python main.py\nprint('calc')\n```\n\nutils.py\n```python\ndef add(a, b):\n    return a + b\n```\n" + roleplay.Marker
	delta, err := phase.Extract(def(phase.ExtractCodeBlocks, "code"), transcript("```go old.go\npackage old\n```", "review please", last))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"main.py":  "print('calc')\n",
		"utils.py": "def add(a, b):\n    return a + b\n",
	}, delta.Files)
	assert.Contains(t, delta.Artifacts["code"], "```python main.py\nprint('calc')\n```")
	assert.NotContains(t, delta.Artifacts["code"], "old.go")
}

func TestExtract_CodeBlocksMissing(t *testing.T) {
	_, err := phase.Extract(def(phase.ExtractCodeBlocks, "code"), transcript("just prose"))
	assert.ErrorIs(t, err, phase.ErrExtraction)
}

func TestParseCodeBlocks(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]string
	}{
		{
			name:    "lang and path",
			content: "```go cmd/app/main.go\npackage main\n```",
			want:    map[string]string{"cmd/app/main.go": "package main\n"},
		},
		{
			name:    "path only",
			content: "```calc.py\nx = 1\n```",
			want:    map[string]string{"calc.py": "x = 1\n"},
		},
		{
			name:    "fallback names",
			content: "```python\na = 1\n```\n```python\nb = 2\n```\n```\nplain\n```",
			want:    map[string]string{"main.py": "a = 1\n", "main_2.py": "b = 2\n", "main.txt": "plain\n"},
		},
		{
			name:    "filename above fence",
			content: "**gui.py**\n\n```python\nimport tkinter\n```",
			want:    map[string]string{"gui.py": "import tkinter\n"},
		},
		{
			name:    "escaping paths are rooted",
			content: "```sh ../../etc/evil.sh\nrm -rf /\n```",
			want:    map[string]string{"etc/evil.sh": "rm -rf /\n"},
		},
		{
			name:    "empty block ignored",
			content: "```go\n\n```",
			want:    nil,
		},
		{
			name:    "no blocks",
			content: "nothing to see",
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, phase.ParseCodeBlocks(tt.content))
		})
	}
}
