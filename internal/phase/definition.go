package phase

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/devchain/internal/agent"
	"github.com/fyrsmithlabs/devchain/internal/roleplay"
)

//go:embed phases.yaml
var defaultPhases []byte

// maxDefinitionsSize caps a phases file.
const maxDefinitionsSize = 1 << 20

// ErrInvalidDefinition is returned for a malformed phase definition.
var ErrInvalidDefinition = errors.New("invalid phase definition")

// ExtractionKind selects how an artifact is pulled out of a transcript.
type ExtractionKind string

const (
	// ExtractAfterMarker takes the payload of the last concluding message.
	ExtractAfterMarker ExtractionKind = "after_marker"
	// ExtractCodeBlocks parses fenced code blocks into files.
	ExtractCodeBlocks ExtractionKind = "code_blocks"
)

// Extraction is a phase's artifact rule.
type Extraction struct {
	Kind     ExtractionKind `yaml:"kind"`
	Artifact string         `yaml:"artifact"`
}

// Definition is the static configuration of one phase.
type Definition struct {
	Name      string        `yaml:"name"`
	Position  int           `yaml:"position"`
	Assistant agent.Persona `yaml:"assistant"`
	User      agent.Persona `yaml:"user"`
	Prompt    string        `yaml:"prompt"`
	MaxTurns  int           `yaml:"max_turns"`
	// MaxTokens caps the estimated tokens of the dialogue; zero means no cap.
	MaxTokens         int           `yaml:"max_tokens"`
	RequireMarkerFrom roleplay.Side `yaml:"require_marker_from"`
	Extraction        Extraction    `yaml:"extraction"`
	// MemoryTopK is the number of memories to recall; zero disables recall.
	MemoryTopK int `yaml:"memory_top_k"`
	// StateKeys limits which artifacts are shown to the agents. Empty shows all.
	StateKeys []string `yaml:"state_keys"`
}

// Validate checks d in isolation.
func (d Definition) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Assistant.Name == "" || d.User.Name == "" {
		errs = append(errs, errors.New("assistant and user personas need names"))
	}
	if d.Assistant.Name != "" && d.Assistant.Name == d.User.Name {
		errs = append(errs, fmt.Errorf("assistant and user must differ, both are %q", d.Assistant.Name))
	}
	if d.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("max_turns must be positive, got %d", d.MaxTurns))
	}
	if d.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("max_tokens must not be negative, got %d", d.MaxTokens))
	}
	if d.MemoryTopK < 0 {
		errs = append(errs, fmt.Errorf("memory_top_k must not be negative, got %d", d.MemoryTopK))
	}
	switch d.Extraction.Kind {
	case ExtractAfterMarker, ExtractCodeBlocks:
	default:
		errs = append(errs, fmt.Errorf("unknown extraction kind %q", d.Extraction.Kind))
	}
	if d.Extraction.Artifact == "" {
		errs = append(errs, errors.New("extraction.artifact is required"))
	}
	switch d.RequireMarkerFrom {
	case "", roleplay.SideAny, roleplay.SideAssistant, roleplay.SideUser:
	default:
		errs = append(errs, fmt.Errorf("unknown require_marker_from %q", d.RequireMarkerFrom))
	}
	if _, err := template.New(d.Name).Option("missingkey=zero").Parse(d.Prompt); err != nil {
		errs = append(errs, fmt.Errorf("prompt template: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w %q: %w", ErrInvalidDefinition, d.Name, errors.Join(errs...))
	}
	return nil
}

type definitionsFile struct {
	Phases []Definition `yaml:"phases"`
}

// ParseDefinitions decodes and validates a phases document and returns the
// phases sorted by position.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var f definitionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parsing YAML: %w", ErrInvalidDefinition, err)
	}
	if len(f.Phases) == 0 {
		return nil, fmt.Errorf("%w: no phases defined", ErrInvalidDefinition)
	}

	names := make(map[string]bool, len(f.Phases))
	artifacts := make(map[string]string, len(f.Phases))
	positions := make(map[int]string, len(f.Phases))
	for _, d := range f.Phases {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if names[d.Name] {
			return nil, fmt.Errorf("%w: duplicate phase name %q", ErrInvalidDefinition, d.Name)
		}
		names[d.Name] = true
		if other, ok := artifacts[d.Extraction.Artifact]; ok {
			return nil, fmt.Errorf("%w: artifact %q produced by both %q and %q",
				ErrInvalidDefinition, d.Extraction.Artifact, other, d.Name)
		}
		artifacts[d.Extraction.Artifact] = d.Name
		if other, ok := positions[d.Position]; ok {
			return nil, fmt.Errorf("%w: phases %q and %q share position %d",
				ErrInvalidDefinition, other, d.Name, d.Position)
		}
		positions[d.Position] = d.Name
	}

	defs := f.Phases
	sort.SliceStable(defs, func(i, j int) bool { return defs[i].Position < defs[j].Position })
	return defs, nil
}

// DefaultDefinitions returns the built-in chain.
func DefaultDefinitions() ([]Definition, error) {
	return ParseDefinitions(defaultPhases)
}

// LoadDefinitions reads phases from path, or the built-in chain when path
// is empty.
func LoadDefinitions(path string) ([]Definition, error) {
	if path == "" {
		return DefaultDefinitions()
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("reading phases file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidDefinition, path)
	}
	if info.Size() > maxDefinitionsSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidDefinition, path, maxDefinitionsSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading phases file: %w", err)
	}
	return ParseDefinitions(data)
}
