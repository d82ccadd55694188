package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentrunner/internal/config"
)

func registry() map[string]config.AgentConfig {
	return config.DefaultConfig().Agents
}

func TestBuild(t *testing.T) {
	tests := []struct {
		name string
		env  config.EnvironmentConfig
		want Chain
	}{
		{"primary only", config.EnvironmentConfig{Agent: "codex"}, Chain{"codex"}},
		{"fallbacks in order", config.EnvironmentConfig{Agent: "codex", Fallbacks: []string{"goose", "claude"}}, Chain{"codex", "goose", "claude"}},
		{"primary repeated as fallback", config.EnvironmentConfig{Agent: "codex", Fallbacks: []string{"claude", "codex"}}, Chain{"codex", "claude"}},
		{"duplicate fallbacks", config.EnvironmentConfig{Agent: "codex", Fallbacks: []string{"claude", "claude"}}, Chain{"codex", "claude"}},
		{"blank and unknown dropped", config.EnvironmentConfig{Agent: "codex", Fallbacks: []string{"", "  ", "cursor", "claude"}}, Chain{"codex", "claude"}},
		{"case and whitespace", config.EnvironmentConfig{Agent: " Codex ", Fallbacks: []string{"CLAUDE"}}, Chain{"codex", "claude"}},
		{"alias resolves to canonical", config.EnvironmentConfig{Agent: "claude-code", Fallbacks: []string{"claude", "openai-codex"}}, Chain{"claude", "codex"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Build(tt.env, registry())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBuildRequiresPrimary(t *testing.T) {
	_, err := Build(config.EnvironmentConfig{Fallbacks: []string{"claude"}}, registry())
	assert.ErrorIs(t, err, ErrNoPrimary)

	_, err = Build(config.EnvironmentConfig{Agent: "cursor"}, registry())
	assert.ErrorIs(t, err, ErrNoPrimary)
	assert.Contains(t, err.Error(), "cursor")
}

func TestCanonicalIsDeterministicOnCollisions(t *testing.T) {
	agents := map[string]config.AgentConfig{
		"goose":  {Aliases: []string{"default"}},
		"codex":  {Aliases: []string{"default"}},
		"claude": {Aliases: []string{"default"}},
		"Codex2": {},
		"codex2": {},
	}

	for i := 0; i < 200; i++ {
		id, ok := Canonical("default", agents)
		require.True(t, ok)
		require.Equal(t, "claude", id, "ties resolve to the first key in order")

		id, ok = Canonical("CODEX2", agents)
		require.True(t, ok)
		require.Equal(t, "Codex2", id)
	}

	env := config.EnvironmentConfig{Agent: "default", Fallbacks: []string{"codex", "default"}}
	first, err := Build(env, agents)
	require.NoError(t, err)
	assert.Equal(t, Chain{"claude", "codex"}, first)
	for i := 0; i < 50; i++ {
		again, err := Build(env, agents)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestBuildDoesNotMutateConfig(t *testing.T) {
	env := config.EnvironmentConfig{Agent: "codex", Fallbacks: []string{"claude", "codex"}}
	c, err := Build(env, registry())
	require.NoError(t, err)

	c[1] = "goose"
	assert.Equal(t, []string{"claude", "codex"}, env.Fallbacks)
}

func TestChainAccessors(t *testing.T) {
	c := Chain{"codex", "claude"}
	assert.Equal(t, "codex", c.Primary())
	assert.Equal(t, []string{"claude"}, c.Fallbacks())

	assert.Empty(t, Chain{"codex"}.Fallbacks())
	assert.Empty(t, Chain{}.Primary())
}

func TestForEnvironment(t *testing.T) {
	cfg := config.DefaultConfig()

	c, err := ForEnvironment(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, Chain{"claude", "codex"}, c)

	_, err = ForEnvironment(cfg, "missing")
	assert.Error(t, err)
}
