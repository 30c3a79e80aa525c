// Package sanitize turns user-supplied names into safe identifiers and
// checks generated file paths.
//
// Identifiers match ^[a-z0-9_]{1,64}$, which suits both vector store
// collection names and workspace directory names.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
)

const (
	// MaxIdentifierLength bounds every identifier this package returns.
	MaxIdentifierLength = 64

	// HashSuffixLength is the "_xxxxxxxx" tail added when an identifier
	// has to be shortened.
	HashSuffixLength = 9

	// DefaultIdentifier stands in for names with no usable characters.
	DefaultIdentifier = "project"
)

var (
	ErrEmptyPath     = errors.New("path cannot be empty")
	ErrAbsolutePath  = errors.New("absolute path not allowed")
	ErrPathTraversal = errors.New("path contains directory traversal")
)

// Identifier lowercases s and maps every run of characters outside
// [a-z0-9] to a single underscore, without leading or trailing ones.
// Results longer than MaxIdentifierLength are shortened with a hash tail
// so distinct long inputs stay distinct.
//
//	"My Calculator" -> "my_calculator"
//	"snake game!"   -> "snake_game"
//	"!!!"           -> "project"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return fit(b.String())
}

// Join builds one identifier from several names, e.g. a project name and
// a job id: Join("My Calculator", "job-1") is "my_calculator_job_1".
func Join(parts ...string) string {
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, Identifier(p))
	}
	return fit(strings.Join(ids, "_"))
}

func fit(id string) string {
	switch {
	case id == "":
		return DefaultIdentifier
	case len(id) <= MaxIdentifierLength:
		return id
	}
	sum := sha256.Sum256([]byte(id))
	head := strings.TrimRight(id[:MaxIdentifierLength-HashSuffixLength], "_")
	return head + "_" + hex.EncodeToString(sum[:4])
}

// FilePath checks that p stays inside the directory it is resolved
// against and returns it cleaned. A backslash is treated as a separator
// and a drive letter as absolute, whatever the host OS.
func FilePath(p string) (string, error) {
	slashed := strings.ReplaceAll(strings.TrimSpace(p), `\`, "/")
	switch {
	case slashed == "":
		return "", ErrEmptyPath
	case strings.HasPrefix(slashed, "/"), len(slashed) > 1 && slashed[1] == ':':
		return "", fmt.Errorf("%w: %q", ErrAbsolutePath, p)
	case hasDotDot(slashed):
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, p)
	}
	if cleaned := path.Clean(slashed); cleaned != "." {
		return cleaned, nil
	}
	return "", ErrEmptyPath
}

func hasDotDot(p string) bool {
	for seg := range strings.SplitSeq(p, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
