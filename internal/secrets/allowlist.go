package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates a regex pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates a TOML file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist holds content patterns that are never redacted. The file format
// is the gitleaks one:
//
//	[allowlist]
//	regexes = ['''example-[a-z]+''']
type Allowlist struct {
	Regexes []string

	compiled []*regexp.Regexp
}

// LoadAllowlist reads a TOML allowlist. An empty path or a missing file
// yields an empty allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return &Allowlist{}, nil
	}
	var file struct {
		Allowlist struct {
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Allowlist{}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	return NewAllowlist(file.Allowlist.Regexes...)
}

// NewAllowlist compiles patterns.
func NewAllowlist(patterns ...string) (*Allowlist, error) {
	a := &Allowlist{Regexes: patterns}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		a.compiled = append(a.compiled, re)
	}
	return a, nil
}

// Allowed reports whether s matches any pattern.
func (a *Allowlist) Allowed(s string) bool {
	if a == nil {
		return false
	}
	for _, re := range a.compiled {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
