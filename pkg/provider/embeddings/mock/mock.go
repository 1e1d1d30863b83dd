// Package mock provides a test double for the embeddings.Extractor interface.
//
// Use Extractor to return pre-canned vectors without a real feature pipeline
// and to verify how many frames were submitted.
//
// Example:
//
//	e := &mock.Extractor{
//	    ExtractFunc: func(samples []float32) ([]float32, error) {
//	        return []float32{samples[0]}, nil
//	    },
//	    DimensionsValue: 1,
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/endill/pkg/provider/embeddings"
)

var _ embeddings.Extractor = (*Extractor)(nil)

// ExtractCall records a single invocation of Extract.
type ExtractCall struct {
	// Len is the number of samples passed to Extract.
	Len int
	// SampleRate is the sample rate passed to Extract.
	SampleRate int
}

// Extractor is a mock implementation of embeddings.Extractor.
type Extractor struct {
	mu sync.Mutex

	// ExtractFunc, if set, computes the result of Extract.
	ExtractFunc func(samples []float32) ([]float32, error)

	// ExtractResult is returned by Extract when ExtractFunc is nil.
	ExtractResult []float32

	// ExtractErr, if non-nil, is returned by Extract when ExtractFunc is nil.
	ExtractErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// ExtractCalls records every call to Extract in order.
	ExtractCalls []ExtractCall
}

// Extract records the call and returns the configured result.
func (e *Extractor) Extract(_ context.Context, samples []float32, sampleRate int) ([]float32, error) {
	e.mu.Lock()
	e.ExtractCalls = append(e.ExtractCalls, ExtractCall{Len: len(samples), SampleRate: sampleRate})
	fn, res, err := e.ExtractFunc, e.ExtractResult, e.ExtractErr
	e.mu.Unlock()

	if fn != nil {
		return fn(samples)
	}
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(res))
	copy(out, res)
	return out, nil
}

// Dimensions returns DimensionsValue.
func (e *Extractor) Dimensions() int { return e.DimensionsValue }

// ModelID returns ModelIDValue.
func (e *Extractor) ModelID() string { return e.ModelIDValue }

// CallCount returns the number of Extract calls so far.
func (e *Extractor) CallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ExtractCalls)
}
