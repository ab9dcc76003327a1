package transport

import (
	"sync"
	"time"
)

// CircuitState represents the state of a per-host circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// breaker tracks consecutive failures for one host:port.
//
// Closed -> Open after threshold consecutive failures; Open -> HalfOpen
// after the cooldown elapses; HalfOpen -> Closed on the next success or
// back to Open (with a fresh cooldown) on the next failure.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	state        CircuitState
	failureCount int
	lastFailure  time.Time
	openUntil    time.Time
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
	}
}

// allow reports whether a call may proceed. The first call after the
// cooldown transitions Open -> HalfOpen and is admitted as the trial.
func (b *breaker) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if now.Before(b.openUntil) {
			return false
		}
		b.state = CircuitHalfOpen
	}
	return true
}

// recordSuccess closes the circuit and resets the failure count.
func (b *breaker) recordSuccess() (closedFrom CircuitState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	closedFrom = b.state
	b.state = CircuitClosed
	b.failureCount = 0
	return closedFrom
}

// recordFailure counts a failure; it opens the circuit when the threshold
// is reached, or immediately when the half-open trial fails. Returns true
// on a transition into Open.
func (b *breaker) recordFailure(now time.Time) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = now

	if b.state == CircuitHalfOpen || b.failureCount >= b.threshold {
		opened = b.state != CircuitOpen
		b.state = CircuitOpen
		b.openUntil = now.Add(b.cooldown)
	}
	return opened
}

func (b *breaker) currentState() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failureCount = 0
	b.openUntil = time.Time{}
}
