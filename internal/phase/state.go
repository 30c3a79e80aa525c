package phase

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/devchain/internal/roleplay"
)

var (
	// ErrAlreadyWritten is returned when a delta would overwrite an artifact
	// produced by an earlier phase, or a phase is merged twice.
	ErrAlreadyWritten = errors.New("artifact already written")
	// ErrEmptyDelta is returned for a delta with no phase name.
	ErrEmptyDelta = errors.New("delta has no phase")
)

// Artifact is one named output of a phase.
type Artifact struct {
	Name    string `json:"name"`
	Phase   string `json:"phase"`
	Content string `json:"content"`
}

// Delta is what one phase contributes to the project.
type Delta struct {
	Phase     string            `json:"phase"`
	Artifacts map[string]string `json:"artifacts"`
	Files     map[string]string `json:"files,omitempty"`
	Turns     int               `json:"turns"`
	Reason    roleplay.Reason   `json:"reason"`
}

// ProjectState accumulates artifacts in phase order.
//
// Named artifacts are write-once: no phase may replace another phase's
// artifact. Files are revisable; a later phase replaces an earlier version
// of the same path. A ProjectState handed to a phase must be treated as
// read-only; Merge returns a new value.
type ProjectState struct {
	Task      string            `json:"task"`
	Artifacts []Artifact        `json:"artifacts"`
	Files     map[string]string `json:"files,omitempty"`
	Phases    []string          `json:"phases"`
}

// NewProjectState starts an empty project for task.
func NewProjectState(task string) *ProjectState {
	return &ProjectState{Task: task, Files: map[string]string{}}
}

// Get returns the content of a named artifact.
func (s *ProjectState) Get(name string) (string, bool) {
	for _, a := range s.Artifacts {
		if a.Name == name {
			return a.Content, true
		}
	}
	return "", false
}

// Values returns artifacts as a name to content map.
func (s *ProjectState) Values() map[string]string {
	out := make(map[string]string, len(s.Artifacts))
	for _, a := range s.Artifacts {
		out[a.Name] = a.Content
	}
	return out
}

// Completed reports whether phase has been merged.
func (s *ProjectState) Completed(phase string) bool {
	for _, p := range s.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *ProjectState) Clone() *ProjectState {
	c := &ProjectState{
		Task:      s.Task,
		Artifacts: append([]Artifact(nil), s.Artifacts...),
		Files:     make(map[string]string, len(s.Files)),
		Phases:    append([]string(nil), s.Phases...),
	}
	for k, v := range s.Files {
		c.Files[k] = v
	}
	return c
}

// Merge returns a new state with d applied. s is not modified.
func (s *ProjectState) Merge(d Delta) (*ProjectState, error) {
	if d.Phase == "" {
		return nil, ErrEmptyDelta
	}
	if s.Completed(d.Phase) {
		return nil, fmt.Errorf("%w: phase %q already merged", ErrAlreadyWritten, d.Phase)
	}

	names := make([]string, 0, len(d.Artifacts))
	for name := range d.Artifacts {
		if _, ok := s.Get(name); ok {
			return nil, fmt.Errorf("%w: %q", ErrAlreadyWritten, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	next := s.Clone()
	for _, name := range names {
		next.Artifacts = append(next.Artifacts, Artifact{Name: name, Phase: d.Phase, Content: d.Artifacts[name]})
	}
	for path, content := range d.Files {
		next.Files[path] = content
	}
	next.Phases = append(next.Phases, d.Phase)
	return next, nil
}

// FileList renders files as path-labelled fenced blocks in path order.
func FileList(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for i, p := range paths {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "```%s %s\n%s\n```\n", languageFor(p), p, strings.TrimRight(files[p], "\n"))
	}
	return b.String()
}
