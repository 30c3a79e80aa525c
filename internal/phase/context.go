package phase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/fyrsmithlabs/devchain/internal/memory"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
)

// maxMemoryChars caps how much of one memory is shown to the agents.
const maxMemoryChars = 1500

type promptData struct {
	Task      string
	Name      string
	State     map[string]string
	Assistant string
	User      string
	Marker    string
}

// RenderPrompt expands the phase's opening prompt. Unknown state keys
// render as empty strings.
func RenderPrompt(def Definition, name string, state *ProjectState) (string, error) {
	tmpl, err := template.New(def.Name).Option("missingkey=zero").Parse(def.Prompt)
	if err != nil {
		return "", fmt.Errorf("%w %q: prompt template: %w", ErrInvalidDefinition, def.Name, err)
	}
	var b strings.Builder
	err = tmpl.Execute(&b, promptData{
		Task:      state.Task,
		Name:      name,
		State:     state.Values(),
		Assistant: def.Assistant.Name,
		User:      def.User.Name,
		Marker:    roleplay.Marker,
	})
	if err != nil {
		return "", fmt.Errorf("rendering prompt for %s: %w", def.Name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// BuildContext renders the system-prompt addendum shared by both agents:
// the task, the selected artifacts and any recalled memories.
func BuildContext(def Definition, state *ProjectState, memories []memory.Match) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", state.Task)

	keys := def.StateKeys
	if len(keys) == 0 {
		for _, a := range state.Artifacts {
			keys = append(keys, a.Name)
		}
	}
	var lines []string
	for _, k := range keys {
		if v, ok := state.Get(k); ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", k, oneLine(v, 200)))
		}
	}
	if len(lines) > 0 {
		b.WriteString("\nProject state:\n")
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}

	if len(memories) > 0 {
		b.WriteString("\nRelevant past memories:\n")
		for i, m := range memories {
			fmt.Fprintf(&b, "%d. [%s] (similarity %.2f)\n%s\n", i+1, m.Key, m.Score, truncate(m.Content, maxMemoryChars))
		}
	}
	return strings.TrimSpace(b.String())
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// Namespace identifies a task in memory: a slug of name plus a short hash
// of the description, so resubmitting the same task shares memories.
func Namespace(name, task string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 40 {
		slug = slug[:40]
	}
	sum := sha256.Sum256([]byte(strings.TrimSpace(task)))
	h := hex.EncodeToString(sum[:])[:12]
	if slug == "" {
		return h
	}
	return slug + "-" + h
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	return truncate(s, n)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
