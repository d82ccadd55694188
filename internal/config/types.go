package config

// AgentConfig describes one agent CLI and the container image it runs in.
type AgentConfig struct {
	Label   string            `json:"label,omitempty"`   // Display name; never used for identity
	Type    string            `json:"type"`              // Command-line dialect: "claude", "codex", "goose"
	Image   string            `json:"image"`             // Container image with the CLI installed
	Model   string            `json:"model,omitempty"`   // Model override passed to the CLI
	Args    []string          `json:"args,omitempty"`    // Extra args appended to every invocation
	Env     map[string]string `json:"env,omitempty"`     // Container environment
	Aliases []string          `json:"aliases,omitempty"` // Other names that refer to this agent
}

// EnvironmentConfig selects the agents a task may use, primary first.
type EnvironmentConfig struct {
	Agent     string            `json:"agent"`               // Primary agent, key into Agents
	Fallbacks []string          `json:"fallbacks,omitempty"` // Tried in order when the primary gives up
	Image     string            `json:"image,omitempty"`     // Overrides every agent's image
	Env       map[string]string `json:"env,omitempty"`       // Merged over the agent's env
	WorkDir   string            `json:"work_dir,omitempty"`  // Host directory mounted as the workspace
}

// SupervisorConfig tunes the run supervisor and its collaborators.
type SupervisorConfig struct {
	StateDir     string `json:"state_dir,omitempty"`      // Cooldown file and run archive
	PatternsFile string `json:"patterns_file,omitempty"`  // Error signature table (YAML)
	LogTailLines int    `json:"log_tail_lines,omitempty"` // Container log lines kept for classification
	Concurrency  int    `json:"concurrency,omitempty"`    // Tasks supervised in parallel
	DockerBinary string `json:"docker_binary,omitempty"`  // Path or name of the docker CLI
}

// Config is the top-level configuration.
type Config struct {
	Agents       map[string]AgentConfig       `json:"agents"`
	Environments map[string]EnvironmentConfig `json:"environments"`
	Supervisor   SupervisorConfig             `json:"supervisor"`
}
