package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/aristath/agentrunner/internal/events"
)

const timeFormat = "15:04:05"

// formatEvent renders one lifecycle event as a single line.
func formatEvent(s styles, ev events.Event) string {
	var (
		ts   time.Time
		verb string
		rest string
	)

	switch e := ev.(type) {
	case events.AttemptStartedEvent:
		ts = e.Timestamp
		verb = s.running.Render("started")
		rest = fmt.Sprintf("agent=%s attempt=%d chain=%d ref=%s", e.AgentID, e.Attempt, e.ChainIndex, e.ContainerRef)

	case events.AttemptFailedEvent:
		ts = e.Timestamp
		verb = s.failed.Render("failed")
		rest = fmt.Sprintf("agent=%s attempt=%d category=%s", e.AgentID, e.Attempt, e.Category)
		if e.ExitCode != nil {
			rest += fmt.Sprintf(" exit=%d", *e.ExitCode)
		}
		if e.WillRetry {
			rest += fmt.Sprintf(" retry_in=%s", e.RetryIn.Round(time.Second))
		}
		rest += reasonField(e.Reason)

	case events.FallbackSwitchedEvent:
		ts = e.Timestamp
		verb = s.running.Render("fallback")
		rest = fmt.Sprintf("from=%s to=%s", e.From, e.To) + reasonField(e.Reason)

	case events.CooldownEnteredEvent:
		ts = e.Timestamp
		verb = s.pending.Render("cooldown")
		rest = fmt.Sprintf("agent=%s until=%s", e.AgentID, e.Until.Local().Format(timeFormat))
		if e.Blocking {
			rest += " blocking"
		}
		rest += reasonField(e.Reason)

	case events.TaskFinishedEvent:
		ts = e.Timestamp
		verb = s.outcome(e.Outcome)
		rest = fmt.Sprintf("attempts=%d duration=%s", e.Attempts, e.Duration.Round(time.Second))
		if e.LastAttempt != nil {
			rest += " agent=" + e.LastAttempt.AgentID
		}
		rest += reasonField(e.Reason)

	case events.CooldownBypassedEvent:
		ts = e.Timestamp
		verb = s.complete.Render("bypassed")
		rest = "agent=" + e.AgentID

	default:
		return fmt.Sprintf("%s %s", ev.TaskID(), ev.EventType())
	}

	id := ev.TaskID()
	if id == "" {
		id = "-"
	}
	return fmt.Sprintf("%s %s %s %s", s.help.Render(ts.Local().Format(timeFormat)), s.title.Render(id), verb, rest)
}

func reasonField(reason string) string {
	if reason == "" {
		return ""
	}
	return fmt.Sprintf(" reason=%q", oneLine(reason))
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
