package models

import (
	"errors"
	"fmt"
	"strings"
)

// Task identifies one execution line: a single model driven through a single
// sequence for one run number. Tasks are immutable values.
type Task struct {
	Model     string // Model name as configured
	Provider  string // Provider the model is served by (unit of rate limiting)
	Sequence  string // Sequence name
	RunNumber int    // 1-indexed run number
}

// Key returns the stable identity of the task: "model/sequence/run".
// Provider is deliberately not part of the identity.
func (t Task) Key() string {
	return fmt.Sprintf("%s/%s/%d", t.Model, t.Sequence, t.RunNumber)
}

// String implements fmt.Stringer.
func (t Task) String() string {
	return t.Key()
}

// Validate checks if the task has all required fields
func (t Task) Validate() error {
	if t.Model == "" {
		return errors.New("task model is required")
	}
	if t.Provider == "" {
		return errors.New("task provider is required")
	}
	if t.Sequence == "" {
		return errors.New("task sequence is required")
	}
	if t.RunNumber < 1 {
		return fmt.Errorf("task run number must be >= 1, got %d", t.RunNumber)
	}
	return nil
}

// ParseTaskKey parses a key produced by Task.Key. The provider is left empty.
func ParseTaskKey(key string) (Task, error) {
	idx := strings.LastIndex(key, "/")
	if idx <= 0 {
		return Task{}, fmt.Errorf("invalid task key %q", key)
	}
	var run int
	if _, err := fmt.Sscanf(key[idx+1:], "%d", &run); err != nil {
		return Task{}, fmt.Errorf("invalid run number in task key %q: %w", key, err)
	}
	head := key[:idx]
	sep := strings.Index(head, "/")
	if sep <= 0 || sep == len(head)-1 {
		return Task{}, fmt.Errorf("invalid task key %q", key)
	}
	return Task{Model: head[:sep], Sequence: head[sep+1:], RunNumber: run}, nil
}

// PromptStep is one ordered prompt within a sequence.
type PromptStep struct {
	Index  int    // 0-indexed position within the sequence
	Name   string // Step name/title
	Prompt string // Prompt text sent to the model
}

// Sequence is an ordered list of prompts whose responses build on one another.
type Sequence struct {
	Name  string
	Steps []PromptStep
}

// Validate checks that the sequence has steps with contiguous indexes.
func (s Sequence) Validate() error {
	if s.Name == "" {
		return errors.New("sequence name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("sequence %s has no steps", s.Name)
	}
	for i, step := range s.Steps {
		if step.Index != i {
			return fmt.Errorf("sequence %s: step %q has index %d, expected %d", s.Name, step.Name, step.Index, i)
		}
		if strings.TrimSpace(step.Prompt) == "" {
			return fmt.Errorf("sequence %s: step %d has an empty prompt", s.Name, i)
		}
	}
	return nil
}
