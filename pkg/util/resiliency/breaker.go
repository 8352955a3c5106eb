package resiliency

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker open")

type breakerState string

const (
	stateClosed   breakerState = "CLOSED"
	stateOpen     breakerState = "OPEN"
	stateHalfOpen breakerState = "HALF_OPEN"
)

// CircuitBreaker opens after threshold consecutive failures and lets one
// probe through once resetTimeout has passed.
type CircuitBreaker struct {
	name         string
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	state       breakerState
	failures    int
	lastFailure time.Time
}

func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		now:          time.Now,
		state:        stateClosed,
	}
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateOpen:
		if cb.now().Sub(cb.lastFailure) <= cb.resetTimeout {
			return false
		}
		cb.state = stateHalfOpen
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	cb.state, cb.failures = stateClosed, 0
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// State returns the breaker state name.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}
