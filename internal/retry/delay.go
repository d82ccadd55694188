// Package retry holds the fixed delay schedule used between attempts.
package retry

import (
	"time"

	"github.com/aristath/agentrunner/internal/classify"
)

// MaxAttemptsPerAgent is the number of attempts one agent gets before the
// chain advances.
const MaxAttemptsPerAgent = 3

var (
	standardDelays  = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	rateLimitDelays = []time.Duration{60 * time.Second, 120 * time.Second, 300 * time.Second}
)

// NextDelay returns the wait before the attempt following the given failed
// attempt number (1-based). ok is false when the category never waits
// (FATAL, CANCELLED) or the standard schedule is exhausted. Rate-limit delays
// stay at their last value once the schedule runs out.
func NextDelay(category classify.Category, attempt int) (delay time.Duration, ok bool) {
	if attempt < 1 {
		return 0, false
	}

	switch category {
	case classify.Retryable, classify.AgentFailure, classify.ContainerCrash:
		if attempt > len(standardDelays) {
			return 0, false
		}
		return standardDelays[attempt-1], true

	case classify.RateLimit:
		if attempt > len(rateLimitDelays) {
			return rateLimitDelays[len(rateLimitDelays)-1], true
		}
		return rateLimitDelays[attempt-1], true
	}

	return 0, false
}
