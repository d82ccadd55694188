// Package runner supervises a batch of independent tasks in parallel.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/agentrunner/internal/chain"
	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/config"
	"github.com/aristath/agentrunner/internal/cooldown"
	"github.com/aristath/agentrunner/internal/events"
	"github.com/aristath/agentrunner/internal/supervisor"
	"github.com/aristath/agentrunner/internal/task"
)

// ErrUnknownTask is returned when a task ID is not part of the running batch.
var ErrUnknownTask = errors.New("unknown task")

// Result represents the outcome of one supervised task.
type Result struct {
	TaskID string
	State  task.RunState
	Error  error // Set when the task could not be supervised at all
}

// Pruner removes containers left behind by an earlier run.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

// Config configures the pool.
type Config struct {
	Config      *config.Config       // Agents and environments (default: config.DefaultConfig())
	Concurrency int                  // Max concurrent tasks (default from Config.Supervisor, then 4)
	Executor    supervisor.Executor  // Required
	Pruner      Pruner               // Optional; run once before the batch starts
	Cooldowns   *cooldown.Store      // Shared by every task (default: memory-only store)
	Classifier  *classify.Classifier // Shared by every task (default: built-in patterns)
	Bus         *events.EventBus     // Optional
	Archiver    supervisor.Archiver  // Optional
	Clock       supervisor.Clock     // Optional; for tests
	Logger      *log.Logger          // Default: log.Default()
}

// Pool runs one supervisor per task with bounded concurrency.
type Pool struct {
	config Config

	mu     sync.Mutex
	active map[string]*supervisor.Supervisor
}

// New creates a pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Executor == nil {
		return nil, errors.New("runner: executor is required")
	}
	if cfg.Config == nil {
		cfg.Config = config.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = cfg.Config.Supervisor.Concurrency
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = cooldown.NewMemoryStore(cooldown.WithLogger(cfg.Logger))
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewClassifier(nil, cfg.Logger)
	}

	return &Pool{
		config: cfg,
		active: make(map[string]*supervisor.Supervisor),
	}, nil
}

// Run supervises every spec and returns one result per spec, in input order.
// Task failures are reported in the results, not as the returned error.
func (p *Pool) Run(ctx context.Context, specs []task.Spec) ([]Result, error) {
	if p.config.Pruner != nil {
		if n, err := p.config.Pruner.Prune(ctx); err != nil {
			p.config.Logger.Printf("WARNING: failed to prune stale containers: %v", err)
		} else if n > 0 {
			p.config.Logger.Printf("pruned %d stale containers", n)
		}
	}

	results := make([]Result, len(specs))
	sups := make([]*supervisor.Supervisor, len(specs))

	// Register every supervisor up front so queued tasks can be cancelled.
	for i, spec := range specs {
		results[i].TaskID = spec.ID
		sup, err := p.newSupervisor(spec)
		if err != nil {
			p.config.Logger.Printf("ERROR: task=%s cannot be supervised: %v", spec.ID, err)
			results[i].Error = err
			continue
		}
		if err := p.register(sup); err != nil {
			results[i].Error = err
			continue
		}
		sups[i] = sup
	}
	defer p.unregisterAll(sups)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.Concurrency)

	for i, sup := range sups {
		if sup == nil {
			continue
		}
		i, sup := i, sup
		g.Go(func() error {
			state, err := sup.Run(gctx)
			results[i].State = state
			results[i].Error = err
			return nil // Task failures are in the results, not the group
		})
	}

	_ = g.Wait()
	return results, ctx.Err()
}

// Cancel cancels one task of the running batch. Queued tasks finish as
// CANCELLED without starting a container.
func (p *Pool) Cancel(taskID string) error {
	sup, err := p.lookup(taskID)
	if err != nil {
		return err
	}
	sup.Cancel()
	return nil
}

// CancelAll cancels every task of the running batch.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sup := range p.active {
		sup.Cancel()
	}
}

// Bypass clears the cooldown of the agent a task is currently on.
func (p *Pool) Bypass(taskID string) error {
	sup, err := p.lookup(taskID)
	if err != nil {
		return err
	}
	agent := sup.Snapshot().CurrentAgent()
	if err := sup.BypassCooldown(); err != nil {
		return fmt.Errorf("failed to bypass cooldown for task %s: %w", taskID, err)
	}
	p.publishBypass(agent)
	return nil
}

// BypassAgent clears the cooldown of an agent for every task.
func (p *Pool) BypassAgent(agentID string) error {
	if err := p.config.Cooldowns.Bypass(agentID); err != nil {
		return fmt.Errorf("failed to bypass cooldown for agent %s: %w", agentID, err)
	}
	p.publishBypass(agentID)
	return nil
}

// Snapshot returns the current state of one task.
func (p *Pool) Snapshot(taskID string) (task.RunState, error) {
	sup, err := p.lookup(taskID)
	if err != nil {
		return task.RunState{}, err
	}
	return sup.Snapshot(), nil
}

// Cooldowns returns the store shared by every task.
func (p *Pool) Cooldowns() *cooldown.Store {
	return p.config.Cooldowns
}

func (p *Pool) newSupervisor(spec task.Spec) (*supervisor.Supervisor, error) {
	c, err := chain.ForEnvironment(p.config.Config, spec.Environment)
	if err != nil {
		return nil, err
	}
	return supervisor.New(spec, c, supervisor.Config{
		Executor:   p.config.Executor,
		Cooldowns:  p.config.Cooldowns,
		Classifier: p.config.Classifier,
		Bus:        p.config.Bus,
		Archiver:   p.config.Archiver,
		Clock:      p.config.Clock,
		Logger:     p.config.Logger,
	})
}

func (p *Pool) register(sup *supervisor.Supervisor) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[sup.TaskID()]; ok {
		return fmt.Errorf("task %s is already running", sup.TaskID())
	}
	p.active[sup.TaskID()] = sup
	return nil
}

func (p *Pool) unregisterAll(sups []*supervisor.Supervisor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sup := range sups {
		if sup != nil && p.active[sup.TaskID()] == sup {
			delete(p.active, sup.TaskID())
		}
	}
}

func (p *Pool) lookup(taskID string) (*supervisor.Supervisor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sup, ok := p.active[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return sup, nil
}

func (p *Pool) publishBypass(agentID string) {
	if p.config.Bus == nil || agentID == "" {
		return
	}
	now := p.now()
	p.config.Bus.Publish(events.TopicCooldown, events.CooldownBypassedEvent{AgentID: agentID, Timestamp: now})
}

func (p *Pool) now() time.Time {
	if p.config.Clock != nil {
		return p.config.Clock.Now()
	}
	return time.Now()
}
