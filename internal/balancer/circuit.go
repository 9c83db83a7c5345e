package balancer

import (
	"sync"
	"time"
)

// CircuitState represents the state of an instance's circuit breaker.
type CircuitState int

const (
	StateClosed   CircuitState = iota // healthy, requests flow
	StateOpen                         // tripped, requests blocked until resumeAt
	StateHalfOpen                     // probing, one trial request allowed
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker is a per-instance failure isolator. Failures inside a rolling
// window trip it Open; after a cooldown it goes HalfOpen and admits exactly
// one trial request. A failed trial reopens with a doubled cooldown, capped at
// maxCooldown.
type CircuitBreaker struct {
	mu sync.Mutex

	state         CircuitState
	failures      int
	windowStart   time.Time
	resumeAt      time.Time
	failedProbes  int
	probeInFlight bool

	failureThreshold int
	failureWindow    time.Duration
	baseCooldown     time.Duration
	maxCooldown      time.Duration

	now func() time.Time
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(failureThreshold int, failureWindow, baseCooldown, maxCooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		failureWindow:    failureWindow,
		baseCooldown:     baseCooldown,
		maxCooldown:      maxCooldown,
		now:              time.Now,
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState returns state, transitioning Open→HalfOpen once the cooldown
// has elapsed. Must be called with mu held.
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == StateOpen && !cb.now().Before(cb.resumeAt) {
		cb.state = StateHalfOpen
		cb.probeInFlight = false
	}
	return cb.state
}

// TryAcquire reports whether a request may be sent to the instance. In
// HalfOpen it grants the single probe slot to at most one caller; concurrent
// callers see false until the probe's result is recorded.
func (cb *CircuitBreaker) TryAcquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful request.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.currentState() == StateHalfOpen {
		// Probe succeeded: close and forget prior trips.
		cb.state = StateClosed
		cb.failures = 0
		cb.failedProbes = 0
		cb.probeInFlight = false
	}
}

// RecordFailure records a failed request.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	switch cb.currentState() {
	case StateClosed:
		if cb.failureWindow > 0 && now.Sub(cb.windowStart) > cb.failureWindow {
			cb.failures = 0
			cb.windowStart = now
		}
		if cb.failures == 0 {
			cb.windowStart = now
		}
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.open(now)
		}
	case StateHalfOpen:
		// Probe failed: reopen with a longer cooldown.
		cb.failedProbes++
		cb.probeInFlight = false
		cb.open(now)
	}
}

// open transitions to Open with exponential backoff. Must be called with mu held.
func (cb *CircuitBreaker) open(now time.Time) {
	cooldown := cb.baseCooldown << uint(cb.failedProbes)
	if cooldown > cb.maxCooldown || cooldown <= 0 {
		cooldown = cb.maxCooldown
	}
	cb.state = StateOpen
	cb.resumeAt = now.Add(cooldown)
	cb.failures = 0
}

// ResumeAt returns when an Open breaker will next admit a probe.
func (cb *CircuitBreaker) ResumeAt() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.resumeAt
}
