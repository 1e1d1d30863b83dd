// Package linear is a pure-Go classifier head: token embeddings are
// mean-pooled over the attention mask and fed through one affine layer.
//
// Weights are stored in a msgpack file exported from the trained model, so
// inference needs no Python runtime and no network.
package linear

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/MrWong99/endill/pkg/classify/wordpiece"
)

// FileName is the conventional name of the weights file inside an artifact
// directory.
const FileName = "model.msgpack"

// ErrInvalidWeights is returned for a weights file with inconsistent shapes.
var ErrInvalidWeights = errors.New("linear: invalid weights")

// Weights is the on-disk model.
type Weights struct {
	Version    string      `msgpack:"version"`
	Labels     []string    `msgpack:"labels"`
	Dim        int         `msgpack:"dim"`
	Embeddings [][]float32 `msgpack:"embeddings"`
	Weight     [][]float32 `msgpack:"weight"`
	Bias       []float32   `msgpack:"bias"`
}

// Validate checks that every matrix agrees with Dim and Labels.
func (w *Weights) Validate() error {
	var errs []error
	if w.Dim <= 0 {
		errs = append(errs, fmt.Errorf("dim must be positive, got %d", w.Dim))
	}
	if len(w.Labels) == 0 {
		errs = append(errs, errors.New("no labels"))
	}
	if len(w.Embeddings) == 0 {
		errs = append(errs, errors.New("empty embedding table"))
	}
	for i, row := range w.Embeddings {
		if len(row) != w.Dim {
			errs = append(errs, fmt.Errorf("embedding %d has %d values, want %d", i, len(row), w.Dim))
			break
		}
	}
	if len(w.Weight) != len(w.Labels) {
		errs = append(errs, fmt.Errorf("weight has %d rows, want %d", len(w.Weight), len(w.Labels)))
	}
	for i, row := range w.Weight {
		if len(row) != w.Dim {
			errs = append(errs, fmt.Errorf("weight row %d has %d values, want %d", i, len(row), w.Dim))
		}
	}
	if len(w.Bias) != len(w.Labels) {
		errs = append(errs, fmt.Errorf("bias has %d values, want %d", len(w.Bias), len(w.Labels)))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWeights, err)
	}
	return nil
}

// Model evaluates [Weights]. It is immutable and safe for concurrent use.
type Model struct {
	w Weights
}

// New validates w and returns a Model over it.
func New(w Weights) (*Model, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &Model{w: w}, nil
}

// Decode reads msgpack-encoded weights from r.
func Decode(r io.Reader) (*Model, error) {
	var w Weights
	if err := msgpack.NewDecoder(r).Decode(&w); err != nil {
		return nil, fmt.Errorf("linear: decode weights: %w", err)
	}
	return New(w)
}

// Load reads a weights file.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("linear: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Encode writes w to out in the format read by [Decode].
func Encode(out io.Writer, w Weights) error {
	return msgpack.NewEncoder(out).Encode(&w)
}

// Version returns the artifact version recorded in the weights.
func (m *Model) Version() string { return m.w.Version }

// Labels returns the label names in output order.
func (m *Model) Labels() []string { return m.w.Labels }

// Logits implements classify.Model.
func (m *Model) Logits(ctx context.Context, enc wordpiece.Encoding) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pooled := make([]float64, m.w.Dim)
	var count float64
	for i, id := range enc.InputIDs {
		if i < len(enc.AttentionMask) && enc.AttentionMask[i] == 0 {
			continue
		}
		if id < 0 || int(id) >= len(m.w.Embeddings) {
			return nil, fmt.Errorf("linear: token id %d outside vocabulary of %d", id, len(m.w.Embeddings))
		}
		for d, v := range m.w.Embeddings[id] {
			pooled[d] += float64(v)
		}
		count++
	}
	if count > 0 {
		for d := range pooled {
			pooled[d] /= count
		}
	}

	logits := make([]float32, len(m.w.Weight))
	for l, row := range m.w.Weight {
		sum := float64(m.w.Bias[l])
		for d, v := range row {
			sum += float64(v) * pooled[d]
		}
		logits[l] = float32(sum)
	}
	return logits, nil
}

// Close is a no-op.
func (m *Model) Close() error { return nil }
