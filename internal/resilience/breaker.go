package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// CircuitBreaker is a count-based sliding-window breaker. The window holds
// the most recent call outcomes; once full, the breaker opens when the
// failure rate crosses the threshold. After the open cool-down a bounded
// number of half-open probes decides between closing and re-opening.
//
// One logical gateway invocation records exactly one sample, however many
// retry attempts it contained: retry exhaustion is one failure, not N.
type CircuitBreaker struct {
	mu sync.Mutex

	windowSize      int
	threshold       float64 // percent
	openWait        time.Duration
	halfOpenPermits int

	state    CircuitState
	window   []bool // true = failure
	pos      int
	filled   int
	openedAt time.Time

	halfOpenInFlight  int
	halfOpenFailures  int
	halfOpenSuccesses int

	onStateChange func(from, to CircuitState)

	// now is swappable for deterministic tests.
	now func() time.Time
}

// NewCircuitBreaker creates a breaker from the policy's breaker fields.
func NewCircuitBreaker(p Policy) *CircuitBreaker {
	p = p.Normalize()
	return &CircuitBreaker{
		windowSize:      p.SlidingWindowSize,
		threshold:       p.FailureRateThreshold,
		openWait:        p.OpenStateWait,
		halfOpenPermits: p.HalfOpenPermits,
		state:           CircuitClosed,
		window:          make([]bool, p.SlidingWindowSize),
		now:             time.Now,
	}
}

// OnStateChange registers a callback invoked (synchronously, outside the
// lock is not guaranteed) on every state change.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Allow reports whether a logical invocation may proceed. While open it
// returns ErrCircuitOpen until the cool-down elapses, at which point the
// breaker moves to half-open and admits up to HalfOpenPermits probes.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.openWait {
			return ErrCircuitOpen
		}
		cb.transitionTo(CircuitHalfOpen)
		cb.halfOpenInFlight = 1
		return nil
	case CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenPermits {
			return ErrCircuitOpen
		}
		cb.halfOpenInFlight++
		return nil
	}
	return nil
}

// Record registers the terminal outcome of one logical invocation.
// Throttled outcomes must not be recorded; the gateway filters them out
// before calling Record.
func (cb *CircuitBreaker) Record(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.window[cb.pos] = failed
		cb.pos = (cb.pos + 1) % cb.windowSize
		if cb.filled < cb.windowSize {
			cb.filled++
		}
		if cb.filled == cb.windowSize && cb.failureRateLocked() >= cb.threshold {
			cb.transitionTo(CircuitOpen)
		}

	case CircuitHalfOpen:
		if failed {
			cb.halfOpenFailures++
		} else {
			cb.halfOpenSuccesses++
		}
		if cb.halfOpenFailures > 0 {
			cb.transitionTo(CircuitOpen)
			return
		}
		if cb.halfOpenSuccesses >= cb.halfOpenPermits {
			cb.transitionTo(CircuitClosed)
		}

	case CircuitOpen:
		// Late result from a call admitted before opening; ignored.
	}
}

// Discard resolves an admitted invocation whose outcome carries no health
// signal (throttled, non-retriable). In half-open it returns the probe's
// permit so unrecorded probes cannot exhaust the permit budget and leave
// the breaker stuck rejecting everything. Every call admitted by Allow must
// end in exactly one Record or Discard.
func (cb *CircuitBreaker) Discard() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) failureRateLocked() float64 {
	if cb.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.filled; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.filled) * 100
}

func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	prev := cb.state
	cb.state = next

	switch next {
	case CircuitClosed:
		for i := range cb.window {
			cb.window[i] = false
		}
		cb.pos = 0
		cb.filled = 0
	case CircuitOpen:
		cb.openedAt = cb.now()
	case CircuitHalfOpen:
		cb.halfOpenInFlight = 0
		cb.halfOpenFailures = 0
		cb.halfOpenSuccesses = 0
	}

	if cb.onStateChange != nil {
		cb.onStateChange(prev, next)
	}
}

// State returns the current state, accounting for an elapsed cool-down.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Samples returns how many outcomes the window currently holds.
func (cb *CircuitBreaker) Samples() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.filled
}

// FailureRate returns the current windowed failure rate in percent.
func (cb *CircuitBreaker) FailureRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureRateLocked()
}

// Reset forces the breaker closed and clears the window. Administrative
// use only.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(CircuitClosed)
}
