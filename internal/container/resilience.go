package container

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// RetryConfig configures the exponential backoff used when the container
// engine rejects a submission for a transient reason.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxRetries      uint64
}

// DefaultRetryConfig returns the default submission retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Multiplier:      2.0,
		MaxRetries:      2,
	}
}

// engineErrors are docker CLI messages that mean the daemon, not the
// request, is at fault.
var engineErrors = []string{
	"cannot connect to the docker daemon",
	"is the docker daemon running",
	"connection refused",
	"i/o timeout",
	"tls handshake timeout",
	"service unavailable",
}

// isEngineError reports whether err came from an unreachable or overloaded
// container engine.
func isEngineError(err error) bool {
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		return false
	}
	stderr := strings.ToLower(cerr.Stderr)
	for _, marker := range engineErrors {
		if strings.Contains(stderr, marker) {
			return true
		}
	}
	return false
}

// BreakerRegistry holds one circuit breaker per agent, guarding container
// submission for that agent.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *log.Logger
}

// NewBreakerRegistry creates an empty registry. A nil logger selects log.Default().
func NewBreakerRegistry(logger *log.Logger) *BreakerRegistry {
	if logger == nil {
		logger = log.Default()
	}
	return &BreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger,
	}
}

// Get returns the breaker for agentID, creating it on first use.
func (r *BreakerRegistry) Get(agentID string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[agentID]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        agentID,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Printf("WARNING: submission breaker agent=%s: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// Only engine trouble counts against the breaker; a bad image
			// or a cancelled context says nothing about the daemon.
			return err == nil || !isEngineError(err)
		},
	})

	r.breakers[agentID] = cb
	return cb
}

// State returns the breaker state for agentID without creating one.
func (r *BreakerRegistry) State(agentID string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[agentID]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// submitWithRetry runs submit through the agent's breaker and retries engine
// errors with exponential backoff.
func submitWithRetry(ctx context.Context, cb *gobreaker.CircuitBreaker, cfg RetryConfig, submit func() (string, error)) (string, error) {
	var ref string

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return submit()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil || !isEngineError(err) {
				return backoff.Permanent(err)
			}
			return err
		}

		ref = result.(string)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.Multiplier = cfg.Multiplier
	policy.MaxElapsedTime = 0

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, cfg.MaxRetries), ctx))
	return ref, err
}
