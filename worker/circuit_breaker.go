package worker

import (
	"sync"
	"time"

	"github.com/fluxqueue/groupqueue/metrics"
)

// CircuitState mirrors the classic closed/half-open/open breaker states.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "closed"
	}
}

// StoreCircuitBreaker stops worker slots from hammering claimNext when the
// backing store is returning a burst of errors, instead of busy-polling a
// down store (SPEC_FULL.md §5 "Circuit breaker over the store"). It trips
// on a run of consecutive store errors rather than the teacher's queue
// depth / worker saturation thresholds, since the thing at risk here is
// the store, not task backlog.
type StoreCircuitBreaker struct {
	mu sync.Mutex

	state CircuitState

	failureThreshold int
	cooldown         time.Duration
	halfOpenTrial    int

	consecutiveFails int
	openedAt         time.Time
	trialCount       int
}

// NewStoreCircuitBreaker trips after failureThreshold consecutive store
// errors and waits cooldown before allowing a half-open trial.
func NewStoreCircuitBreaker(failureThreshold int, cooldown time.Duration) *StoreCircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 10 * time.Second
	}
	return &StoreCircuitBreaker{
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		halfOpenTrial:    3,
	}
}

// Allow reports whether a claim attempt should proceed.
func (cb *StoreCircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.trialCount = 0
	}
	if cb.state == CircuitHalfOpen && cb.trialCount >= cb.halfOpenTrial {
		return false
	}
	return true
}

// RecordSuccess clears the failure streak and closes the circuit from
// half-open once enough trial calls have succeeded.
func (cb *StoreCircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	switch cb.state {
	case CircuitHalfOpen:
		cb.trialCount++
		if cb.trialCount >= cb.halfOpenTrial {
			cb.state = CircuitClosed
		}
	case CircuitOpen:
		cb.state = CircuitClosed
	}
	metrics.StoreCircuitState.Set(float64(cb.state))
}

// RecordFailure counts a store error, tripping the breaker open once the
// consecutive-failure threshold is reached, or immediately re-opening it
// if a failure lands during a half-open trial.
func (cb *StoreCircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		metrics.StoreCircuitState.Set(float64(cb.state))
		return
	}
	cb.consecutiveFails++
	if cb.consecutiveFails >= cb.failureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
	}
	metrics.StoreCircuitState.Set(float64(cb.state))
}

// State returns the breaker's current state.
func (cb *StoreCircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
