// Package parser loads prompt sequences from Markdown and YAML files.
package parser

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrison/seqbench/internal/config"
	"github.com/harrison/seqbench/internal/models"
)

// Format represents the format of a sequence file
type Format int

const (
	// FormatUnknown represents an unknown or unsupported file format
	FormatUnknown Format = iota
	// FormatMarkdown represents a Markdown (.md, .markdown) sequence file
	FormatMarkdown
	// FormatYAML represents a YAML (.yaml, .yml) sequence file
	FormatYAML
)

// String returns the string representation of the Format
func (f Format) String() string {
	switch f {
	case FormatMarkdown:
		return "markdown"
	case FormatYAML:
		return "yaml"
	default:
		return "unknown"
	}
}

// Parser reads one sequence.
type Parser interface {
	// Parse reads from an io.Reader and returns the steps. The sequence
	// name is empty unless the document declares one.
	Parse(r io.Reader) (*models.Sequence, error)
}

// DetectFormat detects the sequence format from the file extension
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatUnknown
	}
}

// NewParser creates a new parser instance for the specified format
func NewParser(format Format) (Parser, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownParser(), nil
	case FormatYAML:
		return NewYAMLParser(), nil
	default:
		return nil, fmt.Errorf("unsupported format: %v", format)
	}
}

// ParseFile parses the sequence at path. name is used when the document
// does not declare a name of its own.
func ParseFile(path, name string) (*models.Sequence, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unknown file format: %s (supported: .md, .markdown, .yaml, .yml)", path)
	}
	parser, err := NewParser(format)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	seq, err := parser.Parse(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if seq.Name == "" {
		seq.Name = name
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

// LoadSequences resolves every sequence of cfg, reading files relative to
// the config directory. The map key is the configured name, which also
// becomes the sequence name.
func LoadSequences(cfg *config.Config) (map[string]models.Sequence, error) {
	out := make(map[string]models.Sequence, len(cfg.Sequences))
	for _, name := range cfg.SequenceNames() {
		sc := cfg.Sequences[name]

		var seq *models.Sequence
		if sc.File != "" {
			parsed, err := ParseFile(cfg.ResolvePath(sc.File), name)
			if err != nil {
				return nil, fmt.Errorf("sequence %s: %w", name, err)
			}
			seq = parsed
		} else {
			seq = &models.Sequence{}
			for i, step := range sc.Steps {
				seq.Steps = append(seq.Steps, models.PromptStep{
					Index:  i,
					Name:   stepName(step.Name, i),
					Prompt: strings.TrimSpace(step.Prompt),
				})
			}
		}

		seq.Name = name
		if err := seq.Validate(); err != nil {
			return nil, err
		}
		out[name] = *seq
	}
	return out, nil
}

func stepName(name string, index int) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return fmt.Sprintf("Step %d", index+1)
}
