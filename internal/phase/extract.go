package phase

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
)

// ErrExtraction matches every *ExtractionError.
var ErrExtraction = errors.New("artifact extraction failed")

// ExtractionError means the dialogue finished but produced no artifact.
type ExtractionError struct {
	Phase  string
	Rule   ExtractionKind
	Reason string
	// Bounded is set when the dialogue was cut off by the turn cap.
	Bounded bool
}

func (e *ExtractionError) Error() string {
	msg := fmt.Sprintf("phase %s: %s extraction failed: %s", e.Phase, e.Rule, e.Reason)
	if e.Bounded {
		msg += " (dialogue reached max turns)"
	}
	return msg
}

func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtraction || (e.Bounded && target == roleplay.ErrMaxTurns)
}

// Extract derives the phase's artifact from a transcript. The opening
// message (Seq 0) is never considered. Equal transcripts give equal deltas.
func Extract(def Definition, transcript []agent.Message) (Delta, error) {
	turns := transcript
	if len(turns) > 0 && turns[0].Seq == 0 {
		turns = turns[1:]
	}

	fail := func(reason string) (Delta, error) {
		return Delta{}, &ExtractionError{Phase: def.Name, Rule: def.Extraction.Kind, Reason: reason}
	}

	switch def.Extraction.Kind {
	case ExtractAfterMarker:
		for i := len(turns) - 1; i >= 0; i-- {
			payload, ok := roleplay.ParseMarker(turns[i].Content)
			if !ok {
				continue
			}
			if payload == "" {
				return fail(fmt.Sprintf("conclusion from %s has an empty payload", turns[i].Speaker))
			}
			return Delta{
				Phase:     def.Name,
				Artifacts: map[string]string{def.Extraction.Artifact: payload},
			}, nil
		}
		return fail("no message carries a conclusion marker")

	case ExtractCodeBlocks:
		for i := len(turns) - 1; i >= 0; i-- {
			files := ParseCodeBlocks(turns[i].Content)
			if len(files) == 0 {
				continue
			}
			return Delta{
				Phase:     def.Name,
				Artifacts: map[string]string{def.Extraction.Artifact: FileList(files)},
				Files:     files,
			}, nil
		}
		return fail("no message contains a fenced code block")
	}
	return fail(fmt.Sprintf("unknown rule %q", def.Extraction.Kind))
}

var (
	fencePattern    = regexp.MustCompile("(?ms)^[ \t]*```([^\n`]*)\n(.*?)^[ \t]*```[ \t]*$")
	filenamePattern = regexp.MustCompile(`^[\w./-]+\.\w+$`)
)

// ParseCodeBlocks returns files from fenced blocks in content.
//
// The path comes from the info string (```go cmd/main.go), or from a bare
// filename on the line just above the fence, or falls back to main.<ext>.
// A later block with the same path replaces the earlier one.
func ParseCodeBlocks(content string) map[string]string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	matches := fencePattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return nil
	}

	files := make(map[string]string, len(matches))
	fallbacks := map[string]int{}
	for _, m := range matches {
		info := strings.Fields(content[m[2]:m[3]])
		body := content[m[4]:m[5]]
		if strings.TrimSpace(body) == "" {
			continue
		}

		var lang, name string
		switch {
		case len(info) >= 2:
			lang, name = info[0], info[1]
		case len(info) == 1 && filenamePattern.MatchString(info[0]):
			name = info[0]
		case len(info) == 1:
			lang = info[0]
		}
		if name == "" {
			name = filenameAbove(content[:m[0]])
		}
		if name == "" {
			base := "main." + extensionFor(lang)
			fallbacks[base]++
			name = base
			if n := fallbacks[base]; n > 1 {
				ext := path.Ext(base)
				name = fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, ext), n, ext)
			}
		}
		// Rooting the path keeps it inside the project.
		files[strings.TrimPrefix(path.Clean("/"+name), "/")] = body
	}
	if len(files) == 0 {
		return nil
	}
	return files
}

// filenameAbove returns a bare filename on the last non-empty line of text.
func filenameAbove(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.Trim(strings.TrimSpace(lines[i]), "*`:#")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if filenamePattern.MatchString(line) {
			return line
		}
		return ""
	}
	return ""
}

var extensions = map[string]string{
	"python":     "py",
	"py":         "py",
	"go":         "go",
	"golang":     "go",
	"javascript": "js",
	"js":         "js",
	"typescript": "ts",
	"ts":         "ts",
	"java":       "java",
	"rust":       "rs",
	"c":          "c",
	"cpp":        "cpp",
	"c++":        "cpp",
	"csharp":     "cs",
	"ruby":       "rb",
	"php":        "php",
	"html":       "html",
	"css":        "css",
	"bash":       "sh",
	"sh":         "sh",
	"markdown":   "md",
	"json":       "json",
	"yaml":       "yaml",
}

func extensionFor(lang string) string {
	if ext, ok := extensions[strings.ToLower(lang)]; ok {
		return ext
	}
	return "txt"
}

var languages = map[string]string{
	"py":   "python",
	"go":   "go",
	"js":   "javascript",
	"ts":   "typescript",
	"rs":   "rust",
	"cs":   "csharp",
	"rb":   "ruby",
	"sh":   "bash",
	"md":   "markdown",
	"yml":  "yaml",
	"h":    "c",
	"hpp":  "cpp",
	"java": "java",
}

func languageFor(p string) string {
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if lang, ok := languages[ext]; ok {
		return lang
	}
	return ext
}
