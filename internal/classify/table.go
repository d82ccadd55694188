package classify

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_patterns.yaml
var defaultPatterns []byte

// tableFile mirrors the YAML layout of a pattern file.
type tableFile struct {
	RateLimit struct {
		ExitCodes []int    `yaml:"exit_codes"`
		Patterns  []string `yaml:"patterns"`
		Exclude   []string `yaml:"exclude"`
	} `yaml:"rate_limit"`
	Transient struct {
		ExitCodes []int    `yaml:"exit_codes"`
		Patterns  []string `yaml:"patterns"`
	} `yaml:"transient"`
	AgentFailure struct {
		Patterns []string `yaml:"patterns"`
	} `yaml:"agent_failure"`
	Agents map[string]struct {
		RateLimit    []string `yaml:"rate_limit"`
		AgentFailure []string `yaml:"agent_failure"`
	} `yaml:"agents"`
}

// agentPatterns holds signatures that only apply to one agent's output.
type agentPatterns struct {
	rateLimit    []*regexp.Regexp
	agentFailure []*regexp.Regexp
}

// Table is a compiled signature table. It is immutable once built.
type Table struct {
	rateLimitCodes map[int]bool
	rateLimit      []*regexp.Regexp
	exclude        []*regexp.Regexp
	transientCodes map[int]bool
	transient      []*regexp.Regexp
	agentFailure   []*regexp.Regexp
	agents         map[string]agentPatterns
}

// ParseTable compiles a YAML pattern table.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing pattern table: %w", err)
	}

	t := &Table{
		rateLimitCodes: codeSet(f.RateLimit.ExitCodes),
		transientCodes: codeSet(f.Transient.ExitCodes),
		agents:         make(map[string]agentPatterns),
	}

	var err error
	if t.rateLimit, err = compileAll("rate_limit.patterns", f.RateLimit.Patterns); err != nil {
		return nil, err
	}
	if t.exclude, err = compileAll("rate_limit.exclude", f.RateLimit.Exclude); err != nil {
		return nil, err
	}
	if t.transient, err = compileAll("transient.patterns", f.Transient.Patterns); err != nil {
		return nil, err
	}
	if t.agentFailure, err = compileAll("agent_failure.patterns", f.AgentFailure.Patterns); err != nil {
		return nil, err
	}

	for name, ap := range f.Agents {
		key := strings.ToLower(strings.TrimSpace(name))
		var compiled agentPatterns
		if compiled.rateLimit, err = compileAll("agents."+key+".rate_limit", ap.RateLimit); err != nil {
			return nil, err
		}
		if compiled.agentFailure, err = compileAll("agents."+key+".agent_failure", ap.AgentFailure); err != nil {
			return nil, err
		}
		t.agents[key] = compiled
	}

	return t, nil
}

// LoadTable reads and compiles the pattern table at path.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pattern table %s: %w", path, err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// DefaultTable returns the table embedded in the binary.
func DefaultTable() *Table {
	t, err := ParseTable(defaultPatterns)
	if err != nil {
		panic(fmt.Sprintf("embedded pattern table is invalid: %v", err))
	}
	return t
}

// DefaultTableYAML returns the raw embedded table, used to seed a user-editable copy.
func DefaultTableYAML() []byte {
	out := make([]byte, len(defaultPatterns))
	copy(out, defaultPatterns)
	return out
}

func compileAll(field string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for i, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", field, i, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func codeSet(codes []int) map[int]bool {
	set := make(map[int]bool, len(codes))
	for _, c := range codes {
		set[c] = true
	}
	return set
}
