// Package classify assigns an argumentative role to a span of transcript
// text: a claim, a piece of evidence, or neither.
//
// A [Classifier] couples a [wordpiece.Tokenizer] with a [Model] that turns an
// encoding into one logit per label. The pair is usually loaded from a
// versioned artifact directory with [LoadArtifact] and shared read-only by
// every request.
package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/endill/pkg/classify/wordpiece"
)

var (
	// ErrEmptyInput is returned for blank text.
	ErrEmptyInput = errors.New("classify: empty input")

	// ErrArtifactLoad is returned when the tokenizer or model cannot be
	// loaded. It is fatal at startup.
	ErrArtifactLoad = errors.New("classify: artifact load failed")
)

// Label is an argumentative role.
type Label string

// Labels in training id order.
const (
	Claim    Label = "claim"
	Evidence Label = "evidence"
	NonInfo  Label = "non_info"
)

// Labels lists every label; the index is the model output id.
var Labels = []Label{Claim, Evidence, NonInfo}

// String returns the label text.
func (l Label) String() string { return string(l) }

// Model maps an encoding to one logit per entry of [Labels].
// Implementations must be safe for concurrent use.
type Model interface {
	Logits(ctx context.Context, enc wordpiece.Encoding) ([]float32, error)
	Close() error
}

// Classifier labels text. It is safe for concurrent use.
type Classifier struct {
	tok   *wordpiece.Tokenizer
	model Model
}

// New returns a Classifier over tok and model.
func New(tok *wordpiece.Tokenizer, model Model) *Classifier {
	return &Classifier{tok: tok, model: model}
}

// Classify returns the label for text. Blank text yields [ErrEmptyInput]
// without touching the model.
func (c *Classifier) Classify(ctx context.Context, text string) (Label, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyInput
	}
	logits, err := c.model.Logits(ctx, c.tok.Encode(text))
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	if len(logits) != len(Labels) {
		return "", fmt.Errorf("classify: model returned %d logits, want %d", len(logits), len(Labels))
	}
	return Labels[Argmax(logits)], nil
}

// Close releases the model.
func (c *Classifier) Close() error { return c.model.Close() }

// Argmax returns the index of the largest value. Ties resolve to the lowest
// index; NaN never wins. It returns 0 for an empty slice.
func Argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] || (v[best] != v[best] && v[i] == v[i]) {
			best = i
		}
	}
	return best
}
