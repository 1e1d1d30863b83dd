package resilience

import (
	"context"
	"errors"
	"io"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Health reports the breaker state of every backend.
func (f *STTFallback) Health() map[string]State { return f.group.Health() }

// Transcribe runs the recording through the first healthy provider. If the
// primary fails, subsequent fallbacks are tried with the same waveform.
func (f *STTFallback) Transcribe(ctx context.Context, w *audio.Waveform) ([]stt.Segment, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) ([]stt.Segment, error) {
		return p.Transcribe(ctx, w)
	})
}

// Close closes every backend that holds resources, such as a loaded
// whisper.cpp model.
func (f *STTFallback) Close() error {
	var errs []error
	f.group.Each(func(_ string, p stt.Provider) {
		if c, ok := p.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	})
	return errors.Join(errs...)
}
