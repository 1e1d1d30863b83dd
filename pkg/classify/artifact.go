package classify

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/MrWong99/endill/pkg/classify/linear"
	"github.com/MrWong99/endill/pkg/classify/wordpiece"
)

// TokenizerDir is the tokenizer sub-directory of an artifact.
const TokenizerDir = "tokenizer"

// Artifact is a loaded classifier: tokenizer, model and the version string
// that identifies the training run.
type Artifact struct {
	Version   string
	Tokenizer *wordpiece.Tokenizer
	Model     Model
}

// Classifier returns a [Classifier] over the artifact.
func (a *Artifact) Classifier() *Classifier { return New(a.Tokenizer, a.Model) }

// Close releases the model.
func (a *Artifact) Close() error { return a.Model.Close() }

type loadOptions struct {
	model     Model
	maxLength int
}

// LoadOption configures [LoadArtifact].
type LoadOption func(*loadOptions)

// WithModel uses m instead of reading linear weights from the artifact
// directory. The tokenizer is still loaded from disk.
func WithModel(m Model) LoadOption {
	return func(o *loadOptions) { o.model = m }
}

// WithMaxLength overrides the tokenizer sequence length.
func WithMaxLength(n int) LoadOption {
	return func(o *loadOptions) { o.maxLength = n }
}

// LoadArtifact reads an artifact directory:
//
//	dir/tokenizer/vocab.txt
//	dir/tokenizer/tokenizer_config.json   (optional)
//	dir/model.msgpack                     (unless WithModel is given)
//
// A vocab.txt directly in dir is accepted as well. Every failure wraps
// [ErrArtifactLoad].
func LoadArtifact(dir string, opts ...LoadOption) (*Artifact, error) {
	var o loadOptions
	for _, fn := range opts {
		fn(&o)
	}

	tokDir := filepath.Join(dir, TokenizerDir)
	if _, err := os.Stat(filepath.Join(tokDir, "vocab.txt")); err != nil {
		tokDir = dir
	}
	var tokOpts []wordpiece.Option
	if o.maxLength > 0 {
		tokOpts = append(tokOpts, wordpiece.WithMaxLength(o.maxLength))
	}
	tok, err := wordpiece.Load(tokDir, tokOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizer: %w", ErrArtifactLoad, err)
	}

	a := &Artifact{Tokenizer: tok, Model: o.model}
	if a.Model == nil {
		lm, err := linear.Load(filepath.Join(dir, linear.FileName))
		if err != nil {
			return nil, fmt.Errorf("%w: model: %w", ErrArtifactLoad, err)
		}
		want := make([]string, len(Labels))
		for i, l := range Labels {
			want[i] = string(l)
		}
		if !slices.Equal(lm.Labels(), want) {
			return nil, fmt.Errorf("%w: model labels %v do not match %v", ErrArtifactLoad, lm.Labels(), want)
		}
		a.Model = lm
	}
	if v, ok := a.Model.(interface{ Version() string }); ok {
		a.Version = v.Version()
	}
	return a, nil
}
