package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/endill/pkg/provider/embeddings"
)

// ExtractorBreaker guards a remote [embeddings.Extractor] with a
// [CircuitBreaker]. Unlike the other wrappers it has no fallbacks: all
// embeddings clustered together must come from one extractor, so switching
// backends mid-recording is not an option.
//
// [embeddings.ErrFeatureExtraction] reports a degenerate input frame, not an
// unhealthy backend, and is passed through without counting as a failure.
type ExtractorBreaker struct {
	inner   embeddings.Extractor
	breaker *CircuitBreaker
}

var _ embeddings.Extractor = (*ExtractorBreaker)(nil)

// NewExtractorBreaker wraps ex with a breaker built from cfg.
func NewExtractorBreaker(ex embeddings.Extractor, cfg CircuitBreakerConfig) *ExtractorBreaker {
	if cfg.Name == "" {
		cfg.Name = ex.ModelID()
	}
	cfg.Neutral = func(err error) bool {
		return errors.Is(err, embeddings.ErrFeatureExtraction) || isContextErr(err)
	}
	return &ExtractorBreaker{inner: ex, breaker: NewCircuitBreaker(cfg)}
}

// Extract forwards to the wrapped extractor unless the breaker is open.
func (b *ExtractorBreaker) Extract(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	var vec []float32
	err := b.breaker.Execute(func() error {
		var err error
		vec, err = b.inner.Extract(ctx, samples, sampleRate)
		return err
	})
	if err != nil {
		return nil, err
	}
	return vec, nil
}

// Dimensions returns the wrapped extractor's dimensionality.
func (b *ExtractorBreaker) Dimensions() int { return b.inner.Dimensions() }

// ModelID returns the wrapped extractor's model identifier.
func (b *ExtractorBreaker) ModelID() string { return b.inner.ModelID() }

// State reports the breaker state, e.g. for readiness checks.
func (b *ExtractorBreaker) State() State { return b.breaker.State() }
