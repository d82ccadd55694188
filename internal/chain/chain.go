// Package chain builds the ordered list of agents a task may use.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aristath/agentrunner/internal/config"
)

// ErrNoPrimary is returned when the environment's primary agent is missing or
// not registered.
var ErrNoPrimary = errors.New("no usable primary agent")

// Chain is an ordered, duplicate-free list of canonical agent IDs. The
// primary agent is always first.
type Chain []string

// Primary returns the first agent.
func (c Chain) Primary() string {
	if len(c) == 0 {
		return ""
	}
	return c[0]
}

// Fallbacks returns everything after the primary.
func (c Chain) Fallbacks() []string {
	if len(c) < 2 {
		return nil
	}
	return c[1:]
}

// Canonical resolves name to a registry key: trimmed, lower-cased, and
// mapped through each agent's aliases. ok is false for unknown agents.
// Keys win over aliases, and ties are broken by key order so the result never
// depends on map iteration.
func Canonical(name string, agents map[string]config.AgentConfig) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(name))
	if id == "" {
		return "", false
	}
	keys := make([]string, 0, len(agents))
	for key := range agents {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if strings.ToLower(key) == id {
			return key, true
		}
	}
	for _, key := range keys {
		for _, alias := range agents[key].Aliases {
			if strings.ToLower(strings.TrimSpace(alias)) == id {
				return key, true
			}
		}
	}
	return "", false
}

// Build returns the environment's primary followed by its fallbacks in
// configured order. Blank, unknown and repeated fallbacks are dropped.
func Build(env config.EnvironmentConfig, agents map[string]config.AgentConfig) (Chain, error) {
	primary, ok := Canonical(env.Agent, agents)
	if !ok {
		if strings.TrimSpace(env.Agent) == "" {
			return nil, ErrNoPrimary
		}
		return nil, fmt.Errorf("%w: unknown agent %q", ErrNoPrimary, env.Agent)
	}

	c := Chain{primary}
	seen := map[string]bool{primary: true}
	for _, name := range env.Fallbacks {
		id, ok := Canonical(name, agents)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		c = append(c, id)
	}
	return c, nil
}

// ForEnvironment looks up the named environment in cfg and builds its chain.
func ForEnvironment(cfg *config.Config, name string) (Chain, error) {
	if name == "" {
		name = config.DefaultEnvironment
	}
	env, ok := cfg.Environments[name]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q", name)
	}
	return Build(env, cfg.Agents)
}
