package scheduler

import (
	"sync"
	"time"
)

// breakerState is the per-target circuit breaker's state machine: Closed
// (normal), Open (short-circuiting attempts during cooldown), HalfOpen
// (one trial attempt allowed after cooldown expires).
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// circuitBreaker guards one target: after defaultFailureThreshold
// consecutive hard failures it opens and short-circuits further attempts
// for defaultCooldown, then allows exactly one half-open trial.
type circuitBreaker struct {
	mu               sync.Mutex
	state            breakerState
	consecutiveFails int
	openedAt         time.Time
	threshold        int
	cooldown         time.Duration
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{threshold: defaultFailureThreshold, cooldown: defaultCooldown}
}

// Allow reports whether a new attempt against this target may proceed.
func (b *circuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerHalfOpen:
		// The single trial was granted on the Open -> HalfOpen transition;
		// further attempts wait for its outcome.
		return false
	case breakerOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.consecutiveFails = 0
}

// RecordFailure counts a hard failure and opens the breaker once the
// threshold is reached (or immediately, if the half-open trial failed).
// It reports whether this call was the one that tripped the breaker open.
func (b *circuitBreaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return true
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.threshold {
		b.state = breakerOpen
		b.openedAt = time.Now()
		return true
	}
	return false
}
