// Package circuit_breaker guards repeated calls to a flaky dependency —
// a backend subprocess, a script interpreter — tripping open after a
// run of failures instead of retrying one that is clearly wedged.
package circuit_breaker

import (
	"errors"
	"sync"
	"time"
)

var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// State is one of Closed, Open, HalfOpen.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config configures failure thresholds and the open-state cooldown.
type Config struct {
	MaxFailures   int64         `yaml:"max_failures"`
	ResetTimeout  time.Duration `yaml:"reset_timeout"`
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Stats is a snapshot of a circuit breaker's counters.
type Stats struct {
	State         State
	Failures      int64
	Successes     int64
	Requests      int64
	LastFailure   time.Time
	LastSuccess   time.Time
	NextRetryTime time.Time
}

// CircuitBreaker wraps a fallible operation with trip/cooldown/retry.
type CircuitBreaker interface {
	Execute(fn func() error) error
	State() State
	IsOpen() bool
	Reset()
	GetStats() Stats
}

type circuitBreaker struct {
	config          Config
	state           State
	failures        int64
	successes       int64
	requests        int64
	lastFailureTime time.Time
	lastSuccessTime time.Time
	nextRetryTime   time.Time
	mutex           sync.RWMutex
}

// New creates a circuit breaker in the closed state.
func New(config Config) CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}

	return &circuitBreaker{
		config: config,
		state:  StateClosed,
	}
}

// Execute runs fn, rejecting immediately without calling it if the
// breaker is open and the cooldown hasn't elapsed.
func (cb *circuitBreaker) Execute(fn func() error) error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.requests++

	if cb.state == StateOpen {
		if time.Now().Before(cb.nextRetryTime) {
			return ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
	}

	err := fn()

	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()

		if cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.nextRetryTime = time.Now().Add(cb.config.ResetTimeout)
		}

		return err
	}

	cb.successes++
	cb.lastSuccessTime = time.Now()

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.failures = 0
	}

	return nil
}

// State returns the current state.
func (cb *circuitBreaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// IsOpen reports whether calls are currently being rejected.
func (cb *circuitBreaker) IsOpen() bool {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state == StateOpen
}

// Reset forces the breaker back to closed, clearing counters.
func (cb *circuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.nextRetryTime = time.Time{}
}

// GetStats returns a snapshot of the breaker's counters.
func (cb *circuitBreaker) GetStats() Stats {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return Stats{
		State:         cb.state,
		Failures:      cb.failures,
		Successes:     cb.successes,
		Requests:      cb.requests,
		LastFailure:   cb.lastFailureTime,
		LastSuccess:   cb.lastSuccessTime,
		NextRetryTime: cb.nextRetryTime,
	}
}
