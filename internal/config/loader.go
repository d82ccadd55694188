package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// GlobalDir returns ~/.agentrunner.
func GlobalDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".agentrunner"), nil
}

// DefaultPaths returns the conventional global and project config paths.
// Global: ~/.agentrunner/config.json
// Project: .agentrunner/config.json (relative to cwd)
func DefaultPaths() (globalPath, projectPath string, err error) {
	dir, err := GlobalDir()
	if err != nil {
		return "", "", err
	}
	return filepath.Join(dir, "config.json"), filepath.Join(".agentrunner", "config.json"), nil
}

// LoadDefault loads configuration from the conventional paths and fills in
// the state directory when none is configured.
func LoadDefault() (*Config, error) {
	globalPath, projectPath, err := DefaultPaths()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(globalPath, projectPath)
	if err != nil {
		return nil, err
	}
	if cfg.Supervisor.StateDir == "" {
		cfg.Supervisor.StateDir = filepath.Join(filepath.Dir(globalPath), "state")
	}
	return cfg, nil
}

// mergeConfigFile reads a JSON config file and merges it into the base config.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, env := range loaded.Environments {
		base.Environments[key] = env
	}
	mergeSupervisor(&base.Supervisor, loaded.Supervisor)

	return nil
}

// mergeSupervisor copies the fields set in override onto base.
func mergeSupervisor(base *SupervisorConfig, override SupervisorConfig) {
	if override.StateDir != "" {
		base.StateDir = override.StateDir
	}
	if override.PatternsFile != "" {
		base.PatternsFile = override.PatternsFile
	}
	if override.LogTailLines > 0 {
		base.LogTailLines = override.LogTailLines
	}
	if override.Concurrency > 0 {
		base.Concurrency = override.Concurrency
	}
	if override.DockerBinary != "" {
		base.DockerBinary = override.DockerBinary
	}
}

// Validate checks that every agent can be started, that agent names and
// aliases are unambiguous, and that every environment references known
// agents.
func (c *Config) Validate() error {
	for name, agent := range c.Agents {
		if agent.Image == "" {
			return fmt.Errorf("agent %q: image is required", name)
		}
		switch agent.Type {
		case "claude", "codex", "goose":
		default:
			return fmt.Errorf("agent %q: unknown type %q", name, agent.Type)
		}
	}

	names, err := c.agentNames()
	if err != nil {
		return err
	}
	for name, env := range c.Environments {
		if env.Agent == "" {
			return fmt.Errorf("environment %q: agent is required", name)
		}
		if _, ok := names[foldName(env.Agent)]; !ok {
			return fmt.Errorf("environment %q: unknown agent %q", name, env.Agent)
		}
		for _, fallback := range env.Fallbacks {
			if foldName(fallback) == "" {
				continue
			}
			if _, ok := names[foldName(fallback)]; !ok {
				return fmt.Errorf("environment %q: unknown fallback agent %q", name, fallback)
			}
		}
	}
	return nil
}

// agentNames maps every folded agent key and alias to the agent it names.
// A name claimed by two agents is an error.
func (c *Config) agentNames() (map[string]string, error) {
	keys := make([]string, 0, len(c.Agents))
	for key := range c.Agents {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	names := make(map[string]string, len(keys))
	claim := func(name, agent string) error {
		if owner, ok := names[name]; ok && owner != agent {
			return fmt.Errorf("agent name %q is ambiguous: used by %q and %q", name, owner, agent)
		}
		names[name] = agent
		return nil
	}
	for _, key := range keys {
		if err := claim(foldName(key), key); err != nil {
			return nil, err
		}
	}
	for _, key := range keys {
		for _, alias := range c.Agents[key].Aliases {
			if foldName(alias) == "" {
				continue
			}
			if err := claim(foldName(alias), key); err != nil {
				return nil, err
			}
		}
	}
	return names, nil
}

// foldName normalises an agent name for comparison.
func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
