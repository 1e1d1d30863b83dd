// Package mock provides a test double for the classify.Model interface.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/classify/wordpiece"
)

var _ classify.Model = (*Model)(nil)

// Model is a mock implementation of classify.Model.
type Model struct {
	mu sync.Mutex

	// LogitsFunc, if set, computes the result of Logits.
	LogitsFunc func(enc wordpiece.Encoding) ([]float32, error)

	// LogitsResult is returned when LogitsFunc is nil.
	LogitsResult []float32

	// LogitsErr, if non-nil, is returned when LogitsFunc is nil.
	LogitsErr error

	// Encodings records every encoding passed to Logits.
	Encodings []wordpiece.Encoding

	// Closed is set by Close.
	Closed bool
}

// Logits records the call and returns the configured result.
func (m *Model) Logits(_ context.Context, enc wordpiece.Encoding) ([]float32, error) {
	m.mu.Lock()
	m.Encodings = append(m.Encodings, enc)
	fn, res, err := m.LogitsFunc, m.LogitsResult, m.LogitsErr
	m.mu.Unlock()

	if fn != nil {
		return fn(enc)
	}
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), res...), nil
}

// Close marks the model closed.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// CallCount returns the number of Logits calls so far.
func (m *Model) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Encodings)
}

// Favor returns logits that select l.
func Favor(l classify.Label) []float32 {
	out := make([]float32, len(classify.Labels))
	for i, x := range classify.Labels {
		if x == l {
			out[i] = 1
		}
	}
	return out
}
