// Package container runs agent CLIs in Docker containers through the docker
// command-line client.
package container

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/config"
	"github.com/aristath/agentrunner/internal/task"
)

const (
	// LabelTask and LabelAgent are set on every container started here.
	LabelTask  = "agentrunner.task"
	LabelAgent = "agentrunner.agent"

	workspaceDir   = "/workspace"
	cleanupTimeout = 30 * time.Second
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Config configures a DockerExecutor.
type Config struct {
	Binary       string                              // docker CLI (default "docker")
	Agents       map[string]config.AgentConfig       // Registry keyed by canonical agent ID
	Environments map[string]config.EnvironmentConfig // Image, env and workspace overrides
	LogTailLines int                                 // Lines of output kept for classification (default 200)
	Processes    *ProcessManager                     // Optional; tracks docker CLI processes
	Breakers     *BreakerRegistry                    // Default: a fresh registry
	Retry        RetryConfig                         // Zero value selects DefaultRetryConfig
	Logger       *log.Logger                         // Default: log.Default()
}

// DockerExecutor starts one fresh container per attempt and reports how it
// ended. It is safe for concurrent use by many supervisors.
type DockerExecutor struct {
	binary   string
	agents   map[string]config.AgentConfig
	envs     map[string]config.EnvironmentConfig
	tail     int
	procs    *ProcessManager
	breakers *BreakerRegistry
	retry    RetryConfig
	logger   *log.Logger
}

// NewDockerExecutor creates an executor from cfg.
func NewDockerExecutor(cfg Config) *DockerExecutor {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = 200
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakerRegistry(cfg.Logger)
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	return &DockerExecutor{
		binary:   cfg.Binary,
		agents:   cfg.Agents,
		envs:     cfg.Environments,
		tail:     cfg.LogTailLines,
		procs:    cfg.Processes,
		breakers: cfg.Breakers,
		retry:    cfg.Retry,
		logger:   cfg.Logger,
	}
}

// FromConfig creates an executor for the agents and environments in cfg.
func FromConfig(cfg *config.Config, pm *ProcessManager, logger *log.Logger) *DockerExecutor {
	return NewDockerExecutor(Config{
		Binary:       cfg.Supervisor.DockerBinary,
		Agents:       cfg.Agents,
		Environments: cfg.Environments,
		LogTailLines: cfg.Supervisor.LogTailLines,
		Processes:    pm,
		Logger:       logger,
	})
}

// Breakers exposes the per-agent submission breakers.
func (d *DockerExecutor) Breakers() *BreakerRegistry {
	return d.breakers
}

// Start submits a detached container running agentID on spec and returns the
// container name. Engine errors are retried; the call returns as soon as the
// engine has accepted the container.
func (d *DockerExecutor) Start(ctx context.Context, agentID string, spec task.Spec) (string, error) {
	base, image, command, err := d.runArgs(agentID, spec)
	if err != nil {
		return "", err
	}

	return submitWithRetry(ctx, d.breakers.Get(agentID), d.retry, func() (string, error) {
		// A fresh name per submission: a rejected run may still have
		// reserved the previous one.
		name := containerName(spec.ID)
		args := append([]string{"run", "-d", "--name", name}, base...)
		args = append(args, image)
		args = append(args, command...)

		if _, _, err := d.docker(ctx, args...); err != nil {
			return "", err
		}
		return name, nil
	})
}

// AwaitTerminal blocks until the container exits, collects its exit status,
// OOM flag and log tail, then removes it.
func (d *DockerExecutor) AwaitTerminal(ctx context.Context, ref string) (classify.Outcome, error) {
	stdout, _, err := d.docker(ctx, "wait", ref)
	if err != nil {
		return classify.Outcome{}, fmt.Errorf("waiting for container %s: %w", ref, err)
	}
	code, err := strconv.Atoi(lastLine(string(stdout)))
	if err != nil {
		return classify.Outcome{}, fmt.Errorf("parsing exit code of %s: %w", ref, err)
	}

	// The container has stopped; finish collecting even if ctx ends now.
	cctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	defer d.remove(cctx, ref)

	outcome := classify.ExitStatus(code, "")

	var notes []string
	if out, _, err := d.docker(cctx, "inspect", "--format", "{{.State.OOMKilled}}|{{.State.Error}}", ref); err != nil {
		d.logger.Printf("WARNING: failed to inspect container %s: %v", ref, err)
	} else {
		oom, stateErr, _ := strings.Cut(lastLine(string(out)), "|")
		if oom == "true" {
			outcome.Crashed = true
			notes = append(notes, "container OOMKilled")
		}
		if stateErr = strings.TrimSpace(stateErr); stateErr != "" {
			outcome.Crashed = true
			notes = append(notes, "container error: "+stateErr)
		}
	}

	logOut, logErr, err := d.docker(cctx, "logs", "--tail", strconv.Itoa(d.tail), ref)
	if err != nil {
		d.logger.Printf("WARNING: failed to read logs of container %s: %v", ref, err)
	}
	outcome.LogTail = joinNonEmpty(string(logOut), string(logErr), strings.Join(notes, "\n"))

	return outcome, nil
}

// Cancel kills and removes the container.
func (d *DockerExecutor) Cancel(ctx context.Context, ref string) error {
	if _, _, err := d.docker(ctx, "kill", ref); err != nil {
		d.logger.Printf("WARNING: failed to kill container %s: %v", ref, err)
	}
	if _, _, err := d.docker(ctx, "rm", "-f", ref); err != nil {
		return fmt.Errorf("removing container %s: %w", ref, err)
	}
	return nil
}

// Prune removes containers left behind by earlier runs, identified by
// LabelTask. It returns how many were removed.
func (d *DockerExecutor) Prune(ctx context.Context) (int, error) {
	out, _, err := d.docker(ctx, "ps", "-aq", "--filter", "label="+LabelTask)
	if err != nil {
		return 0, fmt.Errorf("listing stale containers: %w", err)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return 0, nil
	}
	if _, _, err := d.docker(ctx, append([]string{"rm", "-f"}, ids...)...); err != nil {
		return 0, fmt.Errorf("removing stale containers: %w", err)
	}
	return len(ids), nil
}

// runArgs resolves everything about a run except the container name.
func (d *DockerExecutor) runArgs(agentID string, spec task.Spec) (flags []string, image string, command []string, err error) {
	agent, ok := d.agents[agentID]
	if !ok {
		return nil, "", nil, fmt.Errorf("unknown agent %q", agentID)
	}
	env := d.envs[spec.Environment]

	image = agent.Image
	if env.Image != "" {
		image = env.Image
	}
	if image == "" {
		return nil, "", nil, fmt.Errorf("agent %q has no image", agentID)
	}

	command, err = agentCommand(agent, spec.Prompt)
	if err != nil {
		return nil, "", nil, err
	}

	flags = []string{"--label", LabelTask + "=" + spec.ID, "--label", LabelAgent + "=" + agentID}

	vars := mergeEnv(agent.Env, env.Env, spec.Env)
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flags = append(flags, "-e", k+"="+vars[k])
	}

	workDir := spec.WorkDir
	if workDir == "" {
		workDir = env.WorkDir
	}
	if workDir != "" {
		abs, err := filepath.Abs(workDir)
		if err != nil {
			return nil, "", nil, fmt.Errorf("resolving work dir: %w", err)
		}
		flags = append(flags, "-v", abs+":"+workspaceDir, "-w", workspaceDir)
	}

	return flags, image, command, nil
}

func (d *DockerExecutor) docker(ctx context.Context, args ...string) ([]byte, []byte, error) {
	return executeCommand(ctx, newCommand(ctx, d.binary, args...), d.procs)
}

func (d *DockerExecutor) remove(ctx context.Context, ref string) {
	if _, _, err := d.docker(ctx, "rm", "-f", ref); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Printf("WARNING: failed to remove container %s: %v", ref, err)
	}
}

// containerName builds a unique, docker-safe container name for a task.
func containerName(taskID string) string {
	safe := strings.Trim(unsafeNameChars.ReplaceAllString(taskID, "-"), "-.")
	if len(safe) > 40 {
		safe = safe[:40]
	}
	if safe == "" {
		safe = "task"
	}
	return "agentrunner-" + safe + "-" + uuid.NewString()[:8]
}

func mergeEnv(layers ...map[string]string) map[string]string {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	return merged
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func joinNonEmpty(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimRight(p, "\n"); strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n")
}
