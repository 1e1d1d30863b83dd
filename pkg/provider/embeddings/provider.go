// Package embeddings defines the Extractor interface for per-frame speaker
// embedding backends.
//
// An extractor maps a short window of mono audio to a fixed-length float32
// vector that summarises the voice in it. Vectors from one Extractor share a
// single dimensionality and space, so they can be clustered together; vectors
// from different extractors must never be mixed in one clustering call.
//
// Two families ship with the repository: a spectral one (package mfcc) that
// summarises cepstral coefficients, and a learned one (package wav2vec) that
// mean-pools the hidden states of a self-supervised speech encoder.
//
// Implementations must be safe for concurrent use.
package embeddings

import (
	"context"
	"errors"
)

// ErrFeatureExtraction is returned when a frame is degenerate (silent, all
// zeros, or producing non-finite features). Callers typically substitute
// [Zero] so that frames and embeddings stay one to one.
var ErrFeatureExtraction = errors.New("embeddings: feature extraction failed")

// Extractor is the abstraction over any frame-embedding backend.
type Extractor interface {
	// Extract computes the embedding of one frame of mono samples in [-1, 1]
	// recorded at sampleRate Hz. The result has length Dimensions().
	Extract(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)

	// Dimensions returns the fixed length of every vector this extractor
	// produces.
	Dimensions() int

	// ModelID identifies the feature recipe or encoder checkpoint.
	ModelID() string
}

// Zero returns a zero vector of the extractor's dimensionality.
func Zero(e Extractor) []float32 {
	return make([]float32, e.Dimensions())
}
