// Package task holds the data model shared by the supervisor, the pool and
// the run archive.
package task

import (
	"time"

	"github.com/aristath/agentrunner/internal/classify"
)

// Phase is the lifecycle position of one supervised task.
type Phase string

const (
	PhasePending          Phase = "PENDING"           // Constructed, Run not called yet
	PhaseRunning          Phase = "RUNNING"           // A container is executing
	PhaseAwaitingRetry    Phase = "AWAITING_RETRY"    // Backoff timer before the same agent runs again
	PhaseAwaitingFallback Phase = "AWAITING_FALLBACK" // Advancing to the next agent in the chain
	PhaseCooldownBlocked  Phase = "COOLDOWN_BLOCKED"  // Waiting for the current agent's cooldown
	PhaseDone             Phase = "DONE"              // Finished successfully
	PhaseFailed           Phase = "FAILED"            // Fatal error or chain exhausted
	PhaseCancelled        Phase = "CANCELLED"         // Stopped by the user
)

// Terminal reports whether no further agents are started from this phase.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed || p == PhaseCancelled
}

// Outcome is the final result reported by task_finished.
type Outcome string

const (
	OutcomeDone      Outcome = "DONE"
	OutcomeFailed    Outcome = "FAILED"
	OutcomeCancelled Outcome = "CANCELLED"
)

// Phase returns the terminal phase matching the outcome.
func (o Outcome) Phase() Phase {
	switch o {
	case OutcomeDone:
		return PhaseDone
	case OutcomeCancelled:
		return PhaseCancelled
	default:
		return PhaseFailed
	}
}

// Spec is a unit of work submitted by the user.
type Spec struct {
	ID          string            `yaml:"id" json:"id"`
	Prompt      string            `yaml:"prompt" json:"prompt"`
	Environment string            `yaml:"environment,omitempty" json:"environment,omitempty"` // Key into config.Environments
	WorkDir     string            `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`       // Overrides the environment's workspace
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`                 // Merged over agent and environment env
}

// AttemptRecord describes one container run. Records are never modified once
// appended to a task's history.
type AttemptRecord struct {
	AgentID      string            `json:"agent_id"`
	Attempt      int               `json:"attempt"` // 1-based, per agent
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	Category     classify.Category `json:"category,omitempty"` // Empty for a successful attempt
	ContainerRef string            `json:"container_ref,omitempty"`
	Reason       string            `json:"reason,omitempty"`
}

// Succeeded reports whether the attempt completed without error.
func (r AttemptRecord) Succeeded() bool {
	return r.Category == classify.None
}

// Duration is the wall time the attempt ran for.
func (r AttemptRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// Clone returns a copy that shares no memory with r.
func (r AttemptRecord) Clone() AttemptRecord {
	if r.ExitCode != nil {
		code := *r.ExitCode
		r.ExitCode = &code
	}
	return r
}

// RunState is a point-in-time copy of a supervised task.
type RunState struct {
	TaskID       string          `json:"task_id"`
	Chain        []string        `json:"chain"`
	ChainIndex   int             `json:"chain_index"`
	AttemptCount int             `json:"attempt_count"`
	History      []AttemptRecord `json:"history"`
	Phase        Phase           `json:"phase"`
	Outcome      Outcome         `json:"outcome,omitempty"` // Set once Phase is terminal
	Reason       string          `json:"reason,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   time.Time       `json:"finished_at,omitempty"`
}

// CurrentAgent returns the agent at ChainIndex.
func (s RunState) CurrentAgent() string {
	if s.ChainIndex < 0 || s.ChainIndex >= len(s.Chain) {
		return ""
	}
	return s.Chain[s.ChainIndex]
}

// LastAttempt returns the most recent attempt, if any.
func (s RunState) LastAttempt() (AttemptRecord, bool) {
	if len(s.History) == 0 {
		return AttemptRecord{}, false
	}
	return s.History[len(s.History)-1], true
}
