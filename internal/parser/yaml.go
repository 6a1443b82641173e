package parser

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harrison/seqbench/internal/models"
)

// YAMLParser parses sequence files of the form:
//
//	name: story
//	steps:
//	  - name: opening
//	    prompt: Write the opening paragraph.
type YAMLParser struct{}

// NewYAMLParser creates a YAML sequence parser.
func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

type yamlSequence struct {
	Name  string `yaml:"name"`
	Steps []struct {
		Name   string `yaml:"name"`
		Prompt string `yaml:"prompt"`
	} `yaml:"steps"`
}

// Parse implements Parser.
func (p *YAMLParser) Parse(r io.Reader) (*models.Sequence, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}

	var doc yamlSequence
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(doc.Steps) == 0 {
		return nil, fmt.Errorf("no steps found")
	}

	seq := &models.Sequence{Name: strings.TrimSpace(doc.Name)}
	for i, s := range doc.Steps {
		prompt := strings.TrimSpace(s.Prompt)
		if prompt == "" {
			return nil, fmt.Errorf("step %d has an empty prompt", i+1)
		}
		seq.Steps = append(seq.Steps, models.PromptStep{Index: i, Name: stepName(s.Name, i), Prompt: prompt})
	}
	return seq, nil
}
