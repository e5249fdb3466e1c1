// Package resilience provides reliability patterns for external
// service calls.
package resilience

import (
	"context"
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

// Breaker implements a circuit breaker for backend HTTP calls. It
// counts consecutive failures and opens when a threshold is reached,
// rejecting calls until a timeout elapses. A Trip predicate decides
// which errors count as failures, so request-shape or auth errors
// never open the circuit.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	trip        func(error) bool
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive tripping failures and stays open for timeout before
// transitioning to half-open. A nil trip counts every error.
func NewBreaker(maxFailures int, timeout time.Duration, trip func(error) bool) *Breaker {
	if trip == nil {
		trip = func(error) bool { return true }
	}
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		trip:        trip,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit is closed or half-open. Returns
// ErrCircuitOpen without invoking fn when the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil && b.trip(err) {
		b.onFailure()
		return err
	}
	if err != nil {
		return err
	}

	b.onSuccess()
	return nil
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
