// Package classify maps the terminal result of a container run to an error category.
package classify

import "time"

// Category labels why an attempt ended unsuccessfully.
type Category string

const (
	// None is returned for a clean exit; it is not an error category.
	None Category = ""

	Retryable      Category = "RETRYABLE"
	RateLimit      Category = "RATE_LIMIT"
	AgentFailure   Category = "AGENT_FAILURE"
	Fatal          Category = "FATAL"
	ContainerCrash Category = "CONTAINER_CRASH"
	Cancelled      Category = "CANCELLED"
)

// Categories lists every error category in declaration order.
var Categories = []Category{Retryable, RateLimit, AgentFailure, Fatal, ContainerCrash, Cancelled}

// Valid reports whether c is one of the closed set of error categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Retryable reports whether an attempt ending in c may be repeated on the same agent.
func (c Category) Retryable() bool {
	switch c {
	case Retryable, AgentFailure, ContainerCrash:
		return true
	}
	return false
}

// Outcome is the terminal signal reported by the container executor for one attempt.
type Outcome struct {
	ExitCode  *int   // nil when the container never produced an exit status
	LogTail   string // last lines of combined container output
	Crashed   bool   // signal-terminated, OOM-killed or engine error
	Cancelled bool   // the caller requested cancellation
}

// Success reports whether the outcome is a clean exit.
func (o Outcome) Success() bool {
	return !o.Cancelled && !o.Crashed && o.ExitCode != nil && *o.ExitCode == 0
}

// ExitStatus returns an Outcome for a process that exited with code.
func ExitStatus(code int, logTail string) Outcome {
	return Outcome{ExitCode: &code, LogTail: logTail}
}

// Verdict is the classification of one Outcome.
type Verdict struct {
	Category Category
	Reason   string // matched signature or last meaningful log line

	// Rate-limit reset hints found in the log tail. Zero when absent.
	RetryAfter time.Duration
	ResetAt    time.Time
}
