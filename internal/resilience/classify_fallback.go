package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/classify/wordpiece"
)

// ClassifierFallback implements [classify.Model] with failover across model
// backends, typically a remote model server backed by the local linear head.
// All backends must share the tokenizer vocabulary and label order.
type ClassifierFallback struct {
	group *FallbackGroup[classify.Model]
}

var _ classify.Model = (*ClassifierFallback)(nil)

// NewClassifierFallback creates a [ClassifierFallback] with primary as the
// preferred backend.
func NewClassifierFallback(primary classify.Model, primaryName string, cfg FallbackConfig) *ClassifierFallback {
	return &ClassifierFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional model backend.
func (f *ClassifierFallback) AddFallback(name string, m classify.Model) {
	f.group.AddFallback(name, m)
}

// Logits scores enc with the first healthy backend.
func (f *ClassifierFallback) Logits(ctx context.Context, enc wordpiece.Encoding) ([]float32, error) {
	return ExecuteWithResult(f.group, func(m classify.Model) ([]float32, error) {
		return m.Logits(ctx, enc)
	})
}

// Version reports the primary backend's version, if it has one.
func (f *ClassifierFallback) Version() string {
	if v, ok := f.group.backends[0].value.(interface{ Version() string }); ok {
		return v.Version()
	}
	return ""
}

// Close closes every backend.
func (f *ClassifierFallback) Close() error {
	var errs []error
	f.group.Each(func(_ string, m classify.Model) {
		errs = append(errs, m.Close())
	})
	return errors.Join(errs...)
}
