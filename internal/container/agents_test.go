package container

import (
	"reflect"
	"testing"

	"github.com/aristath/agentrunner/internal/config"
)

func TestAgentCommand(t *testing.T) {
	tests := []struct {
		name  string
		agent config.AgentConfig
		want  []string
	}{
		{
			name:  "claude",
			agent: config.AgentConfig{Type: "claude"},
			want:  []string{"claude", "-p", "fix it", "--output-format", "json"},
		},
		{
			name:  "claude with model",
			agent: config.AgentConfig{Type: "claude", Model: "opus"},
			want:  []string{"claude", "-p", "fix it", "--output-format", "json", "--model", "opus"},
		},
		{
			name:  "codex",
			agent: config.AgentConfig{Type: "codex"},
			want:  []string{"codex", "exec", "fix it", "--json"},
		},
		{
			name:  "goose with model and extra args",
			agent: config.AgentConfig{Type: "goose", Model: "qwen3", Args: []string{"--provider", "ollama"}},
			want:  []string{"goose", "run", "--text", "fix it", "--output-format", "json", "--model", "qwen3", "--provider", "ollama"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := agentCommand(tt.agent, "fix it")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("agentCommand() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAgentCommand_UnknownType(t *testing.T) {
	if _, err := agentCommand(config.AgentConfig{Type: "cursor"}, "x"); err == nil {
		t.Fatal("expected error for unknown agent type")
	}
}
