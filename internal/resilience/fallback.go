package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when no backend in a [FallbackGroup] produced a
// result. It wraps the last backend error.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig is the template for the breaker placed in front of each
// backend of a [FallbackGroup]. Its Name is overwritten per backend.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type backend[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable backends in preference order, each
// behind its own breaker. Backends are registered before first use; the group
// is safe for concurrent calls afterwards.
type FallbackGroup[T any] struct {
	backends []backend[T]
	cfg      FallbackConfig
}

// NewFallbackGroup creates a group whose preferred backend is primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a backend tried after all previously added ones.
func (fg *FallbackGroup[T]) AddFallback(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.backends = append(fg.backends, backend[T]{name: name, value: value, breaker: NewCircuitBreaker(cbCfg)})
}

// Health maps each backend name to its breaker state.
func (fg *FallbackGroup[T]) Health() map[string]State {
	out := make(map[string]State, len(fg.backends))
	for _, b := range fg.backends {
		out[b.name] = b.breaker.State()
	}
	return out
}

// Each calls fn for every backend value in preference order.
func (fg *FallbackGroup[T]) Each(fn func(name string, value T)) {
	for _, b := range fg.backends {
		fn(b.name, b.value)
	}
}

// Execute is [ExecuteWithResult] for calls without a result value.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult calls fn on each backend in turn until one succeeds.
// Backends with an open breaker are skipped. A neutral error (see
// [CircuitBreakerConfig.Neutral]) ends the walk at once and is returned
// unwrapped: a cancelled request or a bad input fails the same way on every
// backend.
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.backends {
		b := &fg.backends[i]
		var res R
		err := b.breaker.Execute(func() error {
			var err error
			res, err = fn(b.value)
			return err
		})
		switch {
		case err == nil:
			if i > 0 {
				slog.Info("served by fallback provider", "provider", b.name)
			}
			return res, nil
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider, circuit open", "provider", b.name)
		case b.breaker.neutral(err):
			return zero, err
		default:
			slog.Warn("provider failed, trying next", "provider", b.name, "err", err)
		}
		lastErr = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
