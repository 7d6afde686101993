// Package resilience provides reliability patterns for calls into external
// runtimes such as the container daemon.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker counts consecutive failures and opens after a threshold, rejecting
// calls until a timeout elapses. One trial call is then let through
// (half-open); its outcome closes or reopens the circuit.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	isFailure   func(error) bool
	now         func() time.Time // for testing
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureFilter limits which errors count towards opening the circuit.
// Errors for which fn returns false are passed through without affecting
// the breaker; a command that ran and reported "no such container" says
// nothing about daemon health.
func WithFailureFilter(fn func(error) bool) Option {
	return func(b *Breaker) { b.isFailure = fn }
}

// NewBreaker creates a circuit breaker that opens after maxFailures consecutive
// failures and stays open for the given timeout before transitioning to half-open.
func NewBreaker(maxFailures int, timeout time.Duration, opts ...Option) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	b := &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		isFailure:   func(err error) bool { return err != nil },
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen if the circuit is open. A nil Breaker runs fn directly.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.onSuccess()
	case b.isFailure(err):
		b.onFailure()
	default:
		// The call reached the dependency, which is what the breaker tracks.
		b.onSuccess()
	}
	return err
}

// State reports the current circuit state ("closed", "open", "half-open").
func (b *Breaker) State() string {
	if b == nil {
		return stateClosed.String()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return stateHalfOpen.String()
	}
	return b.state.String()
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = stateClosed
}
