package executor

import (
	"fmt"

	"github.com/harrison/seqbench/internal/models"
)

// ModelSpec is the configuration of one model under evaluation.
type ModelSpec struct {
	Name             string
	Provider         string
	MaxContextTokens int
	MaxOutputTokens  int
	Temperature      float64
}

// BuildMatrix enumerates every (model, sequence, run) combination. Tasks are
// ordered by model, then sequence, then run number.
func BuildMatrix(specs []ModelSpec, sequences []string, numRuns int) ([]models.Task, error) {
	if numRuns < 1 {
		return nil, fmt.Errorf("num_runs must be >= 1, got %d", numRuns)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no models configured")
	}
	if len(sequences) == 0 {
		return nil, fmt.Errorf("no sequences configured")
	}

	tasks := make([]models.Task, 0, len(specs)*len(sequences)*numRuns)
	for _, m := range specs {
		for _, seq := range sequences {
			for run := 1; run <= numRuns; run++ {
				tasks = append(tasks, models.Task{
					Model:     m.Name,
					Provider:  m.Provider,
					Sequence:  seq,
					RunNumber: run,
				})
			}
		}
	}
	return tasks, nil
}
