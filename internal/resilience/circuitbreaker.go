// Package resilience guards the service's model backends: transcription
// servers, embedding encoders and the remote classifier.
//
// [CircuitBreaker] stops hammering a backend that keeps failing and lets a
// few probe calls through once a cool-down has passed. [FallbackGroup] puts a
// breaker in front of each of several interchangeable backends and walks them
// in order. The typed wrappers ([STTFallback], [ClassifierFallback],
// [ExtractorBreaker]) adapt both to the provider interfaces.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen

	// StateHalfOpen admits up to HalfOpenMax probe calls. A failed probe
	// re-opens the breaker; HalfOpenMax successful probes close it.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

// String returns the human-readable name of the state.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name identifies the guarded backend in logs.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is the cool-down before an open breaker admits probes.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the probe budget and the number of successful probes
	// needed to close again. Default: 3.
	HalfOpenMax int

	// Neutral reports errors that say nothing about backend health. They are
	// returned to the caller but count neither as success nor failure. When
	// nil, context cancellation and deadline errors are neutral.
	Neutral func(error) bool

	// OnStateChange, if set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(name string, from, to State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	neutral      func(error) bool
	onChange     func(string, State, State)
	now          func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	probeWins int

	// notify holds state-change callbacks queued under mu.
	notify []func()
}

// NewCircuitBreaker creates a closed [CircuitBreaker]. Zero-value config
// fields take their defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cmpOr(cfg.MaxFailures, 5),
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cmpOr(cfg.HalfOpenMax, 3),
		neutral:      cfg.Neutral,
		onChange:     cfg.OnStateChange,
		now:          time.Now,
	}
	if cb.resetTimeout <= 0 {
		cb.resetTimeout = 30 * time.Second
	}
	if cb.neutral == nil {
		cb.neutral = isContextErr
	}
	return cb
}

// Execute runs fn unless the breaker refuses the call, in which case fn is
// not invoked and [ErrCircuitOpen] is returned. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}

	err = fn()

	switch {
	case err == nil:
		cb.settle(probe, true)
	case cb.neutral(err):
		cb.release(probe)
	default:
		cb.settle(probe, false)
	}
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.halfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.probes++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe, ok bool) {
	cb.mu.Lock()
	defer cb.unlock()

	if !probe {
		if ok {
			cb.failures = 0
			return
		}
		cb.failures++
		if cb.state == StateClosed && cb.failures >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return
	}

	// A probe may finish after another probe already re-opened the breaker.
	if cb.state != StateHalfOpen {
		return
	}
	if !ok {
		cb.transition(StateOpen)
		return
	}
	cb.probeWins++
	if cb.probeWins >= cb.halfOpenMax {
		cb.transition(StateClosed)
	}
}

// release returns a probe slot consumed by a call that ended neutrally.
func (cb *CircuitBreaker) release(probe bool) {
	if !probe {
		return
	}
	cb.mu.Lock()
	defer cb.unlock()
	if cb.state == StateHalfOpen && cb.probes > 0 {
		cb.probes--
	}
}

// transition moves to next and resets the counters of the new state. Must be
// called with cb.mu held.
func (cb *CircuitBreaker) transition(next State) {
	prev := cb.state
	cb.state = next
	switch next {
	case StateOpen:
		cb.openedAt = cb.now()
		slog.Warn("circuit breaker opened", "name", cb.name, "from", prev, "consecutive_failures", cb.failures)
	case StateHalfOpen:
		cb.probes, cb.probeWins = 0, 0
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateClosed:
		cb.failures, cb.probes, cb.probeWins = 0, 0, 0
		slog.Info("circuit breaker closed", "name", cb.name, "from", prev)
	}
	if cb.onChange != nil && prev != next {
		fn, name := cb.onChange, cb.name
		cb.notify = append(cb.notify, func() { fn(name, prev, next) })
	}
}

// unlock releases mu and then runs queued callbacks, so they may call back
// into the breaker.
func (cb *CircuitBreaker) unlock() {
	pending := cb.notify
	cb.notify = nil
	cb.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// State returns the current state. An open breaker whose cool-down has
// passed reports [StateHalfOpen]; the transition itself happens on the next
// [Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.unlock()
	cb.transition(StateClosed)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func cmpOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
