package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the per-project directory holding config, database and logs.
const DirName = ".seqbench"

// HomeEnv overrides the project directory.
const HomeEnv = "SEQBENCH_HOME"

// GetHome returns the seqbench home directory
// Priority order:
//  1. SEQBENCH_HOME environment variable (if set)
//  2. .seqbench in the nearest ancestor directory that has one
//  3. .seqbench under the current working directory (fallback)
func GetHome() (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return home, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	current := cwd
	for {
		candidate := filepath.Join(current, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return filepath.Join(cwd, DirName), nil
}

// DefaultConfigPath returns the config file inside the home directory.
func DefaultConfigPath() (string, error) {
	home, err := GetHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "config.yaml"), nil
}
