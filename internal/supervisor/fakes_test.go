package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/task"
)

// fakeClock fires timers only when advanced. Every After call is reported on
// waits so tests can tell when the supervisor is parked.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []fakeTimer
	waits  chan time.Duration
}

type fakeTimer struct {
	at time.Time
	ch chan time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now, waits: make(chan time.Duration, 16)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
	} else {
		c.timers = append(c.timers, fakeTimer{at: c.now.Add(d), ch: ch})
	}
	c.waits <- d
	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	pending := c.timers[:0]
	for _, t := range c.timers {
		if !t.at.After(c.now) {
			t.ch <- c.now
			continue
		}
		pending = append(pending, t)
	}
	c.timers = pending
}

// step scripts one attempt of the fake executor.
type step struct {
	outcome  classify.Outcome
	startErr error
	block    bool // AwaitTerminal blocks until the context ends
}

func exit(code int, tail string) step {
	return step{outcome: classify.ExitStatus(code, tail)}
}

var errEngine = errors.New("Cannot connect to the Docker daemon")

// fakeExecutor replays scripted steps per agent. Agents with no steps left
// succeed.
type fakeExecutor struct {
	mu        sync.Mutex
	script    map[string][]step
	byRef     map[string]step
	started   []string
	cancelled []string
	startedCh chan string
}

func newFakeExecutor(script map[string][]step) *fakeExecutor {
	return &fakeExecutor{
		script:    script,
		byRef:     make(map[string]step),
		startedCh: make(chan string, 16),
	}
}

func (e *fakeExecutor) Start(ctx context.Context, agentID string, spec task.Spec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := exit(0, "done")
	if queue := e.script[agentID]; len(queue) > 0 {
		st = queue[0]
		e.script[agentID] = queue[1:]
	}
	e.started = append(e.started, agentID)
	if st.startErr != nil {
		return "", st.startErr
	}

	ref := fmt.Sprintf("%s-%s-%d", spec.ID, agentID, len(e.started))
	e.byRef[ref] = st
	e.startedCh <- ref
	return ref, nil
}

func (e *fakeExecutor) AwaitTerminal(ctx context.Context, ref string) (classify.Outcome, error) {
	e.mu.Lock()
	st := e.byRef[ref]
	e.mu.Unlock()

	if st.block {
		<-ctx.Done()
		return classify.Outcome{}, ctx.Err()
	}
	return st.outcome, nil
}

func (e *fakeExecutor) Cancel(ctx context.Context, ref string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = append(e.cancelled, ref)
	return nil
}

func (e *fakeExecutor) Started() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...)
}

func (e *fakeExecutor) Cancelled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.cancelled...)
}

type fakeArchiver struct {
	mu    sync.Mutex
	saved []task.RunState
	err   error
}

func (a *fakeArchiver) SaveRun(ctx context.Context, state task.RunState) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, state)
	return a.err
}
