package roleplay

import "strings"

const (
	// Marker is the v1 conclusion line. Text after it is the speaker's
	// proposed artifact.
	Marker = "<<<DEVCHAIN:DONE:v1>>>"

	// LegacyPrefix marks a conclusion on the last line of a message (v0).
	LegacyPrefix = "<INFO>"
)

// ParseMarker looks for a conclusion in content.
//
// v1: a line equal to Marker (surrounding spaces ignored). The payload is
// everything after the last such line, trimmed.
// v0: the last non-empty line starts with LegacyPrefix. The payload is the
// rest of that line.
func ParseMarker(content string) (payload string, found bool) {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) == Marker {
			return strings.TrimSpace(strings.Join(lines[i+1:], "\n")), true
		}
	}

	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, LegacyPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, LegacyPrefix)), true
		}
		break
	}
	return "", false
}

// FormatConclusion renders a message that concludes with payload.
func FormatConclusion(body, payload string) string {
	var b strings.Builder
	if body = strings.TrimSpace(body); body != "" {
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString(Marker)
	b.WriteString("\n")
	b.WriteString(payload)
	return b.String()
}
