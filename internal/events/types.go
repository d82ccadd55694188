package events

import (
	"time"

	"github.com/aristath/agentrunner/internal/classify"
	"github.com/aristath/agentrunner/internal/task"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicCooldown = "cooldown"
)

// Event type constants
const (
	EventTypeAttemptStarted   = "attempt_started"
	EventTypeAttemptFailed    = "attempt_failed"
	EventTypeFallbackSwitched = "fallback_switched"
	EventTypeCooldownEntered  = "cooldown_entered"
	EventTypeTaskFinished     = "task_finished"
	EventTypeCooldownBypassed = "cooldown_bypassed"
)

// AttemptStartedEvent is published when a container has been started for an agent.
type AttemptStartedEvent struct {
	ID           string
	AgentID      string
	Attempt      int // 1-based, per agent
	ChainIndex   int
	ContainerRef string
	Timestamp    time.Time
}

func (e AttemptStartedEvent) EventType() string { return EventTypeAttemptStarted }
func (e AttemptStartedEvent) TaskID() string    { return e.ID }

// AttemptFailedEvent is published when an attempt ends with a classified error.
// RetryIn is set when WillRetry is true.
type AttemptFailedEvent struct {
	ID        string
	AgentID   string
	Attempt   int
	Category  classify.Category
	ExitCode  *int
	Reason    string
	WillRetry bool
	RetryIn   time.Duration
	Timestamp time.Time
}

func (e AttemptFailedEvent) EventType() string { return EventTypeAttemptFailed }
func (e AttemptFailedEvent) TaskID() string    { return e.ID }

// FallbackSwitchedEvent is published when a task moves to the next agent in its chain.
type FallbackSwitchedEvent struct {
	ID        string
	From      string
	To        string
	Reason    string
	Timestamp time.Time
}

func (e FallbackSwitchedEvent) EventType() string { return EventTypeFallbackSwitched }
func (e FallbackSwitchedEvent) TaskID() string    { return e.ID }

// CooldownEnteredEvent is published when an agent used by a task is put on
// cooldown, or found cooling down. Blocking is true when the task waits for
// the cooldown instead of switching agents.
type CooldownEnteredEvent struct {
	ID        string
	AgentID   string
	Until     time.Time
	Reason    string
	Blocking  bool
	Timestamp time.Time
}

func (e CooldownEnteredEvent) EventType() string { return EventTypeCooldownEntered }
func (e CooldownEnteredEvent) TaskID() string    { return e.ID }

// TaskFinishedEvent is published once, when a task reaches a terminal phase.
type TaskFinishedEvent struct {
	ID          string
	Outcome     task.Outcome
	LastAttempt *task.AttemptRecord // nil when no attempt was made
	Reason      string
	Attempts    int // Total across all agents
	Duration    time.Duration
	Timestamp   time.Time
}

func (e TaskFinishedEvent) EventType() string { return EventTypeTaskFinished }
func (e TaskFinishedEvent) TaskID() string    { return e.ID }

// CooldownBypassedEvent is published on TopicCooldown when a user clears an
// agent's cooldown.
type CooldownBypassedEvent struct {
	AgentID   string
	Timestamp time.Time
}

func (e CooldownBypassedEvent) EventType() string { return EventTypeCooldownBypassed }
func (e CooldownBypassedEvent) TaskID() string    { return "" }
