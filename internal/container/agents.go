package container

import (
	"fmt"

	"github.com/aristath/agentrunner/internal/config"
)

// agentCommand returns the command run inside the container for one
// non-interactive agent invocation.
func agentCommand(agent config.AgentConfig, prompt string) ([]string, error) {
	var args []string
	switch agent.Type {
	case "claude":
		// claude -p <prompt> --output-format json
		args = []string{"claude", "-p", prompt, "--output-format", "json"}
	case "codex":
		// codex exec <prompt> --json
		args = []string{"codex", "exec", prompt, "--json"}
	case "goose":
		// goose run --text <prompt> --output-format json
		args = []string{"goose", "run", "--text", prompt, "--output-format", "json"}
	default:
		return nil, fmt.Errorf("unknown agent type: %s", agent.Type)
	}

	if agent.Model != "" {
		args = append(args, "--model", agent.Model)
	}
	return append(args, agent.Args...), nil
}
