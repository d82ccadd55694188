package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Save persists the configuration to a JSON file.
// Creates parent directories if they don't exist.
func Save(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("saving config: nil config")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// Init writes the default config to path and seeds an editable pattern table
// next to it. Existing files are left untouched; the returned slice lists the
// files that were created.
func Init(path string, patterns []byte) ([]string, error) {
	var created []string

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.Supervisor.PatternsFile = filepath.Join(filepath.Dir(path), "patterns.yaml")
		if err := Save(cfg, path); err != nil {
			return created, err
		}
		created = append(created, path)
	} else if err != nil {
		return created, fmt.Errorf("checking %s: %w", path, err)
	}

	patternsPath := filepath.Join(filepath.Dir(path), "patterns.yaml")
	if _, err := os.Stat(patternsPath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(patternsPath, patterns, 0644); err != nil {
			return created, fmt.Errorf("writing patterns to %s: %w", patternsPath, err)
		}
		created = append(created, patternsPath)
	} else if err != nil {
		return created, fmt.Errorf("checking %s: %w", patternsPath, err)
	}

	return created, nil
}
