package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDir returns the path to the config directory (~/.shmbus).
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".shmbus"), nil
}

// DefaultPath returns the path to the config file for the given process name.
// Absolute paths are returned as-is; otherwise "<name>.yaml" under ConfigDir.
func DefaultPath(name string) (string, error) {
	if filepath.IsAbs(name) {
		return name, nil
	}

	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	return filepath.Join(dir, name), nil
}
