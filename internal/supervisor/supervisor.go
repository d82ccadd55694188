// Package supervisor drives one task through its agent chain: it starts
// containers, classifies how they end, and decides between retrying the same
// agent, switching to a fallback, waiting out a cooldown, or finishing.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/agentrunner/internal/chain"
	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/cooldown"
	"github.com/aristath/agentrunner/internal/events"
	"github.com/aristath/agentrunner/internal/retry"
	"github.com/aristath/agentrunner/internal/task"
)

// ErrAlreadyStarted is returned by Run when called more than once.
var ErrAlreadyStarted = errors.New("supervisor already started")

// killTimeout bounds the executor Cancel call made after the task context is gone.
const killTimeout = 30 * time.Second

// Executor runs agent containers.
type Executor interface {
	// Start submits a fresh container for agentID and returns its reference.
	// It must not block past submission.
	Start(ctx context.Context, agentID string, spec task.Spec) (string, error)
	// AwaitTerminal blocks until the container has ended.
	AwaitTerminal(ctx context.Context, ref string) (classify.Outcome, error)
	// Cancel requests immediate termination of the container.
	Cancel(ctx context.Context, ref string) error
}

// Archiver receives the final state of every supervised task.
type Archiver interface {
	SaveRun(ctx context.Context, state task.RunState) error
}

// Config holds the collaborators of a Supervisor.
type Config struct {
	Executor    Executor              // Required
	Cooldowns   *cooldown.Store       // Shared by all supervisors (default: memory-only store)
	Classifier  *classify.Classifier  // Default: built-in pattern table
	Bus         *events.EventBus      // Optional; nil drops events
	Archiver    Archiver              // Optional
	Clock       Clock                 // Default: wall clock
	Logger      *log.Logger           // Default: log.Default()
	MaxAttempts int                   // Per agent (default retry.MaxAttemptsPerAgent)
}

// Supervisor owns the run state of one task. Run is the only writer; other
// goroutines read through Snapshot.
type Supervisor struct {
	spec  task.Spec
	chain chain.Chain

	exec        Executor
	cooldowns   *cooldown.Store
	classifier  *classify.Classifier
	bus         *events.EventBus
	archiver    Archiver
	clock       Clock
	logger      *log.Logger
	maxAttempts int

	mu    sync.RWMutex
	state task.RunState

	started    atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}

	rateLimitHits map[string]int
}

// New creates a supervisor for spec. The chain is copied; later changes to
// the caller's slice or configuration do not affect the task.
func New(spec task.Spec, c chain.Chain, cfg Config) (*Supervisor, error) {
	if cfg.Executor == nil {
		return nil, errors.New("supervisor: executor is required")
	}
	if len(c) == 0 {
		return nil, fmt.Errorf("supervisor: task %s: %w", spec.ID, chain.ErrNoPrimary)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Cooldowns == nil {
		cfg.Cooldowns = cooldown.NewMemoryStore(cooldown.WithLogger(cfg.Logger))
	}
	if cfg.Classifier == nil {
		cfg.Classifier = classify.NewClassifier(nil, cfg.Logger)
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = retry.MaxAttemptsPerAgent
	}

	own := append(chain.Chain(nil), c...)
	return &Supervisor{
		spec:        spec,
		chain:       own,
		exec:        cfg.Executor,
		cooldowns:   cfg.Cooldowns,
		classifier:  cfg.Classifier,
		bus:         cfg.Bus,
		archiver:    cfg.Archiver,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		maxAttempts: cfg.MaxAttempts,
		state: task.RunState{
			TaskID: spec.ID,
			Chain:  append([]string(nil), own...),
			Phase:  task.PhasePending,
		},
		cancelCh:      make(chan struct{}),
		rateLimitHits: make(map[string]int),
	}, nil
}

// TaskID returns the supervised task's identifier.
func (s *Supervisor) TaskID() string {
	return s.spec.ID
}

// Cancel requests cancellation. It never blocks and may be called any number
// of times, before or during Run.
func (s *Supervisor) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// BypassCooldown clears the cooldown of the agent the task is currently on,
// waking the task if it is blocked on it.
func (s *Supervisor) BypassCooldown() error {
	agent := s.Snapshot().CurrentAgent()
	if agent == "" {
		return errors.New("no current agent")
	}
	return s.cooldowns.Bypass(agent)
}

// Snapshot returns a deep copy of the current run state.
func (s *Supervisor) Snapshot() task.RunState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

// Run supervises the task until it reaches DONE, FAILED or CANCELLED and
// returns the final state. Cancelling ctx has the same effect as Cancel.
func (s *Supervisor) Run(ctx context.Context) (task.RunState, error) {
	if !s.started.CompareAndSwap(false, true) {
		return task.RunState{}, ErrAlreadyStarted
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	select {
	case <-s.cancelCh:
		stop()
	default:
	}
	go func() {
		select {
		case <-s.cancelCh:
			stop()
		case <-ctx.Done():
		}
	}()

	s.update(func(st *task.RunState) { st.StartedAt = s.clock.Now() })

	outcome, reason := s.loop(ctx)
	final := s.finish(outcome, reason)
	s.archive(final)
	return final, nil
}

// loop runs attempts until a terminal outcome is decided.
func (s *Supervisor) loop(ctx context.Context) (task.Outcome, string) {
	for {
		if ctx.Err() != nil {
			return task.OutcomeCancelled, "cancelled by user"
		}

		snap := s.Snapshot()
		agent := snap.CurrentAgent()

		// Never start an agent that is known to be rate limited. The bypass
		// channel is taken first so a bypass landing after the check still wakes us.
		wake := s.cooldowns.Bypassed(agent)
		if cooling, remaining, reason := s.cooldowns.IsCoolingDown(agent, s.clock.Now()); cooling {
			if s.hasFallback() {
				s.publish(events.CooldownEnteredEvent{
					ID:        s.spec.ID,
					AgentID:   agent,
					Until:     s.clock.Now().Add(remaining),
					Reason:    reason,
					Timestamp: s.clock.Now(),
				})
				s.advance(agent, "cooling down: "+reason)
				continue
			}
			if !s.blockOnCooldown(ctx, agent, remaining, reason, wake) {
				return task.OutcomeCancelled, "cancelled by user"
			}
			continue
		}

		rec, outcome := s.attempt(ctx, agent)
		if outcome.Success() {
			s.appendAttempt(rec)
			return task.OutcomeDone, ""
		}

		verdict := s.classifier.Classify(agent, outcome)
		rec.Category = verdict.Category
		rec.Reason = verdict.Reason
		s.appendAttempt(rec)

		switch {
		case verdict.Category == classify.Cancelled:
			return task.OutcomeCancelled, verdict.Reason

		case verdict.Category == classify.Fatal:
			s.publishFailed(rec, false, 0)
			return task.OutcomeFailed, verdict.Reason

		case verdict.Category == classify.RateLimit:
			if done, reason := s.handleRateLimit(ctx, agent, rec, verdict); done {
				return task.OutcomeFailed, reason
			}

		case verdict.Category.Retryable():
			if rec.Attempt < s.maxAttempts {
				delay, _ := retry.NextDelay(verdict.Category, rec.Attempt)
				s.publishFailed(rec, true, delay)
				if !s.wait(ctx, task.PhaseAwaitingRetry, delay, nil) {
					return task.OutcomeCancelled, "cancelled by user"
				}
				continue
			}
			s.publishFailed(rec, false, 0)
			if !s.hasFallback() {
				return task.OutcomeFailed, fmt.Sprintf("all agents exhausted: %s", verdict.Reason)
			}
			s.advance(agent, fmt.Sprintf("%d failed attempts: %s", rec.Attempt, verdict.Category))

		default:
			s.publishFailed(rec, false, 0)
			return task.OutcomeFailed, verdict.Reason
		}
	}
}

// handleRateLimit records the cooldown and either switches to the next agent
// or waits it out. It reports true when the task has to fail.
func (s *Supervisor) handleRateLimit(ctx context.Context, agent string, rec task.AttemptRecord, v classify.Verdict) (bool, string) {
	s.rateLimitHits[agent]++
	now := s.clock.Now()

	delay, _ := retry.NextDelay(classify.RateLimit, s.rateLimitHits[agent])
	until := now.Add(delay)
	if v.ResetAt.After(until) {
		until = v.ResetAt
	}
	if v.RetryAfter > 0 && now.Add(v.RetryAfter).After(until) {
		until = now.Add(v.RetryAfter)
	}

	wake := s.cooldowns.Bypassed(agent)
	effective, err := s.cooldowns.RecordRateLimit(agent, until, v.Reason)
	if err != nil {
		s.logger.Printf("WARNING: task=%s agent=%s: failed to persist cooldown: %v", s.spec.ID, agent, err)
		effective = cooldown.Record{AgentID: agent, CooldownUntil: until, Reason: v.Reason}
	}

	if s.hasFallback() {
		s.publishFailed(rec, false, 0)
		s.publish(events.CooldownEnteredEvent{
			ID:        s.spec.ID,
			AgentID:   agent,
			Until:     effective.CooldownUntil,
			Reason:    effective.Reason,
			Timestamp: now,
		})
		s.advance(agent, "rate limited: "+v.Reason)
		return false, ""
	}

	if rec.Attempt >= s.maxAttempts {
		s.publishFailed(rec, false, 0)
		return true, fmt.Sprintf("rate limited %d times: %s", rec.Attempt, v.Reason)
	}

	remaining := effective.CooldownUntil.Sub(now)
	s.publishFailed(rec, true, remaining)
	// Cancellation while blocked is picked up at the top of the loop.
	s.blockOnCooldown(ctx, agent, remaining, effective.Reason, wake)
	return false, ""
}

// blockOnCooldown announces and waits out the cooldown of the last agent in
// the chain, or until wake is closed by a bypass. It returns false when the
// task was cancelled while waiting.
func (s *Supervisor) blockOnCooldown(ctx context.Context, agent string, remaining time.Duration, reason string, wake <-chan struct{}) bool {
	now := s.clock.Now()
	s.publish(events.CooldownEnteredEvent{
		ID:        s.spec.ID,
		AgentID:   agent,
		Until:     now.Add(remaining),
		Reason:    reason,
		Blocking:  true,
		Timestamp: now,
	})
	s.logger.Printf("task=%s agent=%s: waiting %s for cooldown (%s)", s.spec.ID, agent, remaining.Round(time.Second), reason)
	return s.wait(ctx, task.PhaseCooldownBlocked, remaining, wake)
}

// wait parks the task in phase until d elapses, wake is closed, or the task is
// cancelled. It returns false on cancellation; the timer is then discarded.
func (s *Supervisor) wait(ctx context.Context, phase task.Phase, d time.Duration, wake <-chan struct{}) bool {
	s.setPhase(phase)
	timer := s.clock.After(d)
	select {
	case <-timer:
		return true
	case <-wake:
		return true
	case <-ctx.Done():
		return false
	}
}

type awaitResult struct {
	outcome classify.Outcome
	err     error
}

// attempt starts agent in a fresh container and waits for its terminal signal.
func (s *Supervisor) attempt(ctx context.Context, agent string) (task.AttemptRecord, classify.Outcome) {
	var number int
	s.update(func(st *task.RunState) {
		st.Phase = task.PhaseRunning
		st.AttemptCount++
		number = st.AttemptCount
	})

	rec := task.AttemptRecord{AgentID: agent, Attempt: number, StartedAt: s.clock.Now()}
	ended := func(o classify.Outcome) (task.AttemptRecord, classify.Outcome) {
		rec.EndedAt = s.clock.Now()
		rec.ExitCode = o.ExitCode
		return rec, o
	}

	ref, err := s.exec.Start(ctx, agent, s.spec)
	rec.ContainerRef = ref
	s.publish(events.AttemptStartedEvent{
		ID:           s.spec.ID,
		AgentID:      agent,
		Attempt:      number,
		ChainIndex:   s.Snapshot().ChainIndex,
		ContainerRef: ref,
		Timestamp:    rec.StartedAt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ended(classify.Outcome{Cancelled: true})
		}
		s.logger.Printf("WARNING: task=%s agent=%s attempt=%d: failed to start container: %v", s.spec.ID, agent, number, err)
		return ended(classify.Outcome{Crashed: true, LogTail: err.Error()})
	}

	awaitCtx, stopAwait := context.WithCancel(ctx)
	defer stopAwait()
	done := make(chan awaitResult, 1)
	go func() {
		o, err := s.exec.AwaitTerminal(awaitCtx, ref)
		done <- awaitResult{outcome: o, err: err}
	}()

	select {
	case r := <-done:
		if ctx.Err() != nil && !r.outcome.Success() {
			s.kill(ref)
			return ended(classify.Outcome{Cancelled: true})
		}
		if r.err != nil {
			s.logger.Printf("WARNING: task=%s agent=%s attempt=%d: lost container %s: %v", s.spec.ID, agent, number, ref, r.err)
			return ended(classify.Outcome{Crashed: true, LogTail: r.err.Error()})
		}
		return ended(r.outcome)

	case <-ctx.Done():
		s.kill(ref)
		return ended(classify.Outcome{Cancelled: true})
	}
}

// kill asks the executor to stop a container after the task context is gone.
func (s *Supervisor) kill(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := s.exec.Cancel(ctx, ref); err != nil {
		s.logger.Printf("WARNING: task=%s: failed to cancel container %s: %v", s.spec.ID, ref, err)
	}
}

// advance moves to the next agent and resets the per-agent attempt count.
// The caller has checked hasFallback.
func (s *Supervisor) advance(from, reason string) {
	var to string
	s.update(func(st *task.RunState) {
		st.Phase = task.PhaseAwaitingFallback
		st.ChainIndex++
		st.AttemptCount = 0
		to = st.Chain[st.ChainIndex]
	})
	s.logger.Printf("task=%s: switching %s -> %s (%s)", s.spec.ID, from, to, reason)
	s.publish(events.FallbackSwitchedEvent{
		ID:        s.spec.ID,
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: s.clock.Now(),
	})
}

func (s *Supervisor) hasFallback() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ChainIndex+1 < len(s.state.Chain)
}

// finish moves to the terminal phase and publishes task_finished.
func (s *Supervisor) finish(outcome task.Outcome, reason string) task.RunState {
	now := s.clock.Now()
	s.update(func(st *task.RunState) {
		st.Phase = outcome.Phase()
		st.Outcome = outcome
		st.Reason = reason
		st.FinishedAt = now
	})

	final := s.Snapshot()
	ev := events.TaskFinishedEvent{
		ID:        s.spec.ID,
		Outcome:   outcome,
		Reason:    reason,
		Attempts:  len(final.History),
		Duration:  now.Sub(final.StartedAt),
		Timestamp: now,
	}
	if last, ok := final.LastAttempt(); ok {
		ev.LastAttempt = &last
		if ev.Reason == "" {
			ev.Reason = last.Reason
		}
	}
	s.publish(ev)

	if outcome == task.OutcomeFailed {
		s.logger.Printf("ERROR: task=%s failed after %d attempts: %s", s.spec.ID, ev.Attempts, ev.Reason)
	} else {
		s.logger.Printf("task=%s finished outcome=%s attempts=%d", s.spec.ID, outcome, ev.Attempts)
	}
	return final
}

func (s *Supervisor) archive(final task.RunState) {
	if s.archiver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archiver.SaveRun(ctx, final); err != nil {
		s.logger.Printf("WARNING: task=%s: failed to archive run: %v", s.spec.ID, err)
	}
}

func (s *Supervisor) publishFailed(rec task.AttemptRecord, willRetry bool, retryIn time.Duration) {
	ev := events.AttemptFailedEvent{
		ID:        s.spec.ID,
		AgentID:   rec.AgentID,
		Attempt:   rec.Attempt,
		Category:  rec.Category,
		ExitCode:  rec.ExitCode,
		Reason:    rec.Reason,
		WillRetry: willRetry,
		Timestamp: rec.EndedAt,
	}
	if willRetry {
		ev.RetryIn = retryIn
	}
	s.publish(ev)
}

func (s *Supervisor) publish(ev events.Event) {
	if s.bus != nil {
		s.bus.PublishTask(ev)
	}
}

func (s *Supervisor) appendAttempt(rec task.AttemptRecord) {
	s.update(func(st *task.RunState) { st.History = append(st.History, rec.Clone()) })
}

func (s *Supervisor) setPhase(p task.Phase) {
	s.update(func(st *task.RunState) { st.Phase = p })
}

func (s *Supervisor) update(fn func(st *task.RunState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

func cloneState(st task.RunState) task.RunState {
	st.Chain = append([]string(nil), st.Chain...)
	if st.History != nil {
		history := make([]task.AttemptRecord, len(st.History))
		for i, rec := range st.History {
			history[i] = rec.Clone()
		}
		st.History = history
	}
	return st
}
