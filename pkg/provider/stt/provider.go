// Package stt defines the Provider interface for batch Speech-to-Text
// backends.
//
// An STT provider takes a whole normalised recording and returns the
// transcript as an ordered list of time-stamped text segments. Segment
// boundaries are the backend's own (for Whisper-family models, roughly one
// sentence or breath group each).
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/MrWong99/endill/pkg/audio"
)

// Provider is the abstraction over any batch transcription backend.
type Provider interface {
	// Transcribe returns the segments spoken in w, ordered by start time. w is
	// mono at [audio.CanonicalRate] and must not be modified.
	//
	// Returns an error if the backend fails or ctx is cancelled. An empty,
	// non-nil error-free result means no speech was recognised.
	Transcribe(ctx context.Context, w *audio.Waveform) ([]Segment, error)
}
