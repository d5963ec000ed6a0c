package invoker

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while the breaker rejects calls.
var ErrBreakerOpen = errors.New("invoker: circuit breaker is open")

// BreakerState is the state of a CircuitBreaker.
type BreakerState int

const (
	// BreakerClosed passes every call and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects every call until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// GaugeValue maps the state onto the breaker gauge: 0 closed, 1 half-open,
// 2 open.
func (s BreakerState) GaugeValue() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// minErrorRateSamples is the smallest window that is evaluated against the
// error rate threshold.
const minErrorRateSamples = 10

// BreakerSettings configures a CircuitBreaker. Zero values fall back to
// 5 failures, 2 successes and a 30s cool-down. Rate tripping is off unless
// both ErrorRateThreshold and ErrorRateWindow are set.
type BreakerSettings struct {
	FailureThreshold   int
	SuccessThreshold   int
	Cooldown           time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(from, to BreakerState)
}

// CircuitBreaker guards one vendor service. It opens on consecutive failures
// or on the failure rate inside a tumbling window. Safe for concurrent use.
type CircuitBreaker struct {
	settings BreakerSettings
	now      func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	openedAt    time.Time
	windowStart time.Time
	windowCalls int
	windowFails int
}

// NewCircuitBreaker returns a closed breaker. It takes the per-service
// thresholds in the order they appear in configuration.
func NewCircuitBreaker(failureThreshold, successThreshold int, cooldown time.Duration,
	errorRateThreshold float64, errorRateWindow time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithSettings(BreakerSettings{
		FailureThreshold:   failureThreshold,
		SuccessThreshold:   successThreshold,
		Cooldown:           cooldown,
		ErrorRateThreshold: errorRateThreshold,
		ErrorRateWindow:    errorRateWindow,
	})
}

// NewCircuitBreakerWithSettings returns a closed breaker for s.
func NewCircuitBreakerWithSettings(s BreakerSettings) *CircuitBreaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 2
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	cb := &CircuitBreaker{settings: s, now: time.Now}
	cb.windowStart = cb.now()
	return cb
}

// Allow returns ErrBreakerOpen while the breaker is open and the cool-down
// has not elapsed.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from, changed := cb.refreshLocked()
	state := cb.state
	cb.mu.Unlock()
	if changed {
		cb.notify(from, state)
	}

	if state == BreakerOpen {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess records a call that reached the service and succeeded.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerClosed:
		cb.failures = 0
		cb.countLocked(false)
	case BreakerHalfOpen:
		cb.successes++
		if cb.successes >= cb.settings.SuccessThreshold {
			cb.moveLocked(BreakerClosed)
		}
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// RecordFailure records a call that failed because of the service.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerClosed:
		cb.failures++
		cb.countLocked(true)
		if cb.failures >= cb.settings.FailureThreshold || cb.rateExceededLocked() {
			cb.moveLocked(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.moveLocked(BreakerOpen)
	}
	to := cb.state
	cb.mu.Unlock()
	if from != to {
		cb.notify(from, to)
	}
}

// State returns the current state, moving an expired open breaker to
// half-open first.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	from, changed := cb.refreshLocked()
	state := cb.state
	cb.mu.Unlock()
	if changed {
		cb.notify(from, state)
	}
	return state
}

// Counts returns the consecutive failure and half-open success counters.
func (cb *CircuitBreaker) Counts() (failures, successes int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures, cb.successes
}

// ErrorRate returns the failure rate and call count of the current window.
func (cb *CircuitBreaker) ErrorRate() (rate float64, total int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.rollWindowLocked()
	if cb.windowCalls == 0 {
		return 0, 0
	}
	return float64(cb.windowFails) / float64(cb.windowCalls), cb.windowCalls
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if cb.settings.OnStateChange != nil {
		cb.settings.OnStateChange(from, to)
	}
}

// refreshLocked moves an open breaker past its cool-down to half-open.
func (cb *CircuitBreaker) refreshLocked() (BreakerState, bool) {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) > cb.settings.Cooldown {
		cb.moveLocked(BreakerHalfOpen)
		return BreakerOpen, true
	}
	return cb.state, false
}

func (cb *CircuitBreaker) moveLocked(to BreakerState) {
	cb.state = to
	cb.successes = 0
	switch to {
	case BreakerOpen:
		cb.openedAt = cb.now()
		cb.resetWindowLocked()
	case BreakerClosed:
		cb.failures = 0
		cb.resetWindowLocked()
	}
}

func (cb *CircuitBreaker) rateEnabled() bool {
	return cb.settings.ErrorRateThreshold > 0 && cb.settings.ErrorRateWindow > 0
}

func (cb *CircuitBreaker) countLocked(failed bool) {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	cb.rollWindowLocked()
	cb.windowCalls++
	if failed {
		cb.windowFails++
	}
}

func (cb *CircuitBreaker) rollWindowLocked() {
	if cb.settings.ErrorRateWindow <= 0 {
		return
	}
	if cb.now().Sub(cb.windowStart) > cb.settings.ErrorRateWindow {
		cb.resetWindowLocked()
	}
}

func (cb *CircuitBreaker) resetWindowLocked() {
	cb.windowStart = cb.now()
	cb.windowCalls = 0
	cb.windowFails = 0
}

func (cb *CircuitBreaker) rateExceededLocked() bool {
	if !cb.rateEnabled() || cb.windowCalls < minErrorRateSamples {
		return false
	}
	return float64(cb.windowFails)/float64(cb.windowCalls) >= cb.settings.ErrorRateThreshold
}
