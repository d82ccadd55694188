package config

// DefaultEnvironment is used by tasks that do not name an environment.
const DefaultEnvironment = "default"

// DefaultConfig returns the built-in agents, the default environment and
// supervisor settings.
func DefaultConfig() *Config {
	return &Config{
		Agents: map[string]AgentConfig{
			"claude": {
				Label:   "Claude Code",
				Type:    "claude",
				Image:   "agentrunner/claude:latest",
				Aliases: []string{"claude-code"},
			},
			"codex": {
				Label:   "Codex CLI",
				Type:    "codex",
				Image:   "agentrunner/codex:latest",
				Aliases: []string{"openai-codex"},
			},
			"goose": {
				Label: "Goose",
				Type:  "goose",
				Image: "agentrunner/goose:latest",
			},
		},
		Environments: map[string]EnvironmentConfig{
			DefaultEnvironment: {
				Agent:     "claude",
				Fallbacks: []string{"codex"},
			},
		},
		Supervisor: SupervisorConfig{
			LogTailLines: 200,
			Concurrency:  4,
			DockerBinary: "docker",
		},
	}
}
