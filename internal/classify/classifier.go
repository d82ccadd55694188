package classify

import (
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// maxReasonLen bounds the signature text carried in a Verdict.
const maxReasonLen = 200

var (
	// "Claude AI usage limit reached|1735689600"
	resetUnixPattern = regexp.MustCompile(`usage limit reached\|(\d{9,11})`)
	// "retry in 300 seconds", "retry after 30s", "Retry-After: 120"
	retryAfterPattern = regexp.MustCompile(`(?i)retry(?:[ -]after:?|\s+in)\s+(\d+)\s*(?:seconds?|secs?|s)?\b`)
)

// Classify applies the ordered rules to one outcome. It is pure: the same
// table, agent and outcome always give the same verdict.
func Classify(t *Table, agentID string, o Outcome) Verdict {
	if o.Cancelled {
		return Verdict{Category: Cancelled, Reason: "cancelled by user"}
	}

	if o.Crashed {
		return Verdict{Category: ContainerCrash, Reason: lastLine(o.LogTail, "container crashed")}
	}
	if o.ExitCode != nil && isSignalExit(*o.ExitCode) {
		return Verdict{
			Category: ContainerCrash,
			Reason:   fmt.Sprintf("terminated by signal %d (exit code %d)", *o.ExitCode-128, *o.ExitCode),
		}
	}

	lines := splitLines(o.LogTail)
	agent := t.agents[strings.ToLower(strings.TrimSpace(agentID))]

	if line, ok := t.matchRateLimit(lines, agent); ok {
		v := Verdict{Category: RateLimit, Reason: truncate(line)}
		v.RetryAfter, v.ResetAt = resetHint(o.LogTail)
		return v
	}
	if o.ExitCode != nil && t.rateLimitCodes[*o.ExitCode] {
		return Verdict{Category: RateLimit, Reason: fmt.Sprintf("rate-limit exit code %d", *o.ExitCode)}
	}

	if o.ExitCode != nil && *o.ExitCode == 0 {
		return Verdict{Category: None}
	}

	if o.ExitCode != nil && t.transientCodes[*o.ExitCode] {
		return Verdict{Category: Retryable, Reason: fmt.Sprintf("transient exit code %d", *o.ExitCode)}
	}
	if line, ok := firstMatch(lines, t.transient); ok {
		return Verdict{Category: Retryable, Reason: truncate(line)}
	}

	if o.ExitCode != nil {
		if line, ok := firstMatch(lines, agent.agentFailure); ok {
			return Verdict{Category: AgentFailure, Reason: truncate(line)}
		}
		if line, ok := firstMatch(lines, t.agentFailure); ok {
			return Verdict{Category: AgentFailure, Reason: truncate(line)}
		}
	}

	return Verdict{Category: Fatal, Reason: fatalReason(o)}
}

// matchRateLimit returns the first line carrying a rate-limit signature that is
// not excluded as a quoted or logged mention.
func (t *Table) matchRateLimit(lines []string, agent agentPatterns) (string, bool) {
	for _, line := range lines {
		if anyMatch(line, t.exclude) {
			continue
		}
		if anyMatch(line, agent.rateLimit) || anyMatch(line, t.rateLimit) {
			return line, true
		}
	}
	return "", false
}

// Classifier classifies outcomes against a table that can be swapped at runtime.
type Classifier struct {
	table  atomic.Pointer[Table]
	logger *log.Logger
}

// NewClassifier creates a classifier. A nil table selects DefaultTable.
func NewClassifier(t *Table, logger *log.Logger) *Classifier {
	if t == nil {
		t = DefaultTable()
	}
	if logger == nil {
		logger = log.Default()
	}
	c := &Classifier{logger: logger}
	c.table.Store(t)
	return c
}

// Classify classifies o with the current table.
func (c *Classifier) Classify(agentID string, o Outcome) Verdict {
	return Classify(c.table.Load(), agentID, o)
}

// SetTable replaces the current table.
func (c *Classifier) SetTable(t *Table) {
	if t != nil {
		c.table.Store(t)
	}
}

// Reload replaces the current table with the one at path. On error the
// previous table stays active.
func (c *Classifier) Reload(path string) error {
	t, err := LoadTable(path)
	if err != nil {
		return err
	}
	c.table.Store(t)
	c.logger.Printf("pattern table reloaded path=%s", path)
	return nil
}

func isSignalExit(code int) bool {
	return code > 128 && code <= 128+31
}

func resetHint(tail string) (time.Duration, time.Time) {
	var retryAfter time.Duration
	var resetAt time.Time
	if m := resetUnixPattern.FindStringSubmatch(tail); len(m) > 1 {
		if ts, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			resetAt = time.Unix(ts, 0).UTC()
		}
	}
	if m := retryAfterPattern.FindStringSubmatch(tail); len(m) > 1 {
		if secs, err := strconv.ParseInt(m[1], 10, 64); err == nil && secs > 0 {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return retryAfter, resetAt
}

func fatalReason(o Outcome) string {
	if o.ExitCode == nil {
		return lastLine(o.LogTail, "no exit status reported")
	}
	return lastLine(o.LogTail, fmt.Sprintf("exit code %d", *o.ExitCode))
}

func splitLines(s string) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	lines := raw[:0]
	for _, l := range raw {
		if strings.TrimSpace(l) != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func lastLine(s, fallback string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return fallback
	}
	return truncate(lines[len(lines)-1])
}

func firstMatch(lines []string, patterns []*regexp.Regexp) (string, bool) {
	for _, line := range lines {
		if anyMatch(line, patterns) {
			return line, true
		}
	}
	return "", false
}

func anyMatch(line string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxReasonLen {
		return s
	}
	cut := maxReasonLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
