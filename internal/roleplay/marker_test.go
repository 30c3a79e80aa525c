package roleplay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseMarker(t *testing.T) {
	tests := []struct {
		name    string
		content string
		payload string
		found   bool
	}{
		{"v1", "We agree.\n<<<DEVCHAIN:DONE:v1>>>\nPython", "Python", true},
		{"v1 multiline payload", "<<<DEVCHAIN:DONE:v1>>>\nline one\nline two\n", "line one\nline two", true},
		{"v1 last marker wins", "<<<DEVCHAIN:DONE:v1>>>\nold\n<<<DEVCHAIN:DONE:v1>>>\nnew", "new", true},
		{"v1 indented", "  <<<DEVCHAIN:DONE:v1>>>  \r\nGo", "Go", true},
		{"v1 empty payload", "text\n<<<DEVCHAIN:DONE:v1>>>", "", true},
		{"v1 inline is not a marker", "say <<<DEVCHAIN:DONE:v1>>> later", "", false},
		{"legacy", "Discussion...\n<INFO> Python", "Python", true},
		{"legacy trailing blank lines", "x\n<INFO> Desktop Application\n\n", "Desktop Application", true},
		{"legacy not last line", "<INFO> Python\nmore text", "", false},
		{"none", "still thinking", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, found := ParseMarker(tt.content)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.payload, payload)
		})
	}
}

func TestParseMarker_Deterministic(t *testing.T) {
	content := FormatConclusion("body", "payload")
	for i := 0; i < 10; i++ {
		p, ok := ParseMarker(content)
		assert.True(t, ok)
		assert.Equal(t, "payload", p)
	}
}

func TestFormatConclusion(t *testing.T) {
	assert.Equal(t, "<<<DEVCHAIN:DONE:v1>>>\nGo", FormatConclusion("  ", "Go"))
	assert.Equal(t, "ok\n<<<DEVCHAIN:DONE:v1>>>\nGo", FormatConclusion("ok", "Go"))
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{Attempts: 5, Backoff: 500 * time.Millisecond, MaxBackoff: 2 * time.Second}
	assert.Equal(t, 500*time.Millisecond, p.delay(1))
	assert.Equal(t, time.Second, p.delay(2))
	assert.Equal(t, 2*time.Second, p.delay(3))
	assert.Equal(t, 2*time.Second, p.delay(10))
}
