// Package audio holds the canonical in-memory audio representation used by the
// analysis pipeline together with the helpers that produce it: container
// decoding, down-mixing, resampling and fixed-length windowing.
//
// Every stage downstream of [Normalizer.Normalize] works on a [Waveform] of
// mono float32 samples at [CanonicalRate]. A Waveform is never mutated once it
// has been returned, so it may be shared freely between goroutines.
package audio

import (
	"errors"
	"fmt"
	"math"
)

// CanonicalRate is the sample rate, in Hz, of every normalised [Waveform].
const CanonicalRate = 16000

var (
	// ErrUnsupportedFormat is returned when the input container or codec cannot
	// be decoded.
	ErrUnsupportedFormat = errors.New("audio: unsupported format")

	// ErrEmptyAudio is returned when decoding succeeds but yields no samples.
	ErrEmptyAudio = errors.New("audio: empty audio")
)

// Waveform is a mono PCM signal with samples in [-1.0, 1.0].
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the length of the waveform in seconds.
func (w *Waveform) Duration() float64 {
	if w == nil || w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Slice returns the samples covered by f. The returned slice aliases the
// waveform's backing array and must not be modified.
func (w *Waveform) Slice(f Frame) []float32 {
	lo := min(max(f.StartSample, 0), len(w.Samples))
	hi := min(max(f.EndSample, lo), len(w.Samples))
	return w.Samples[lo:hi:hi]
}

// RMS returns the root-mean-square energy of samples. Returns 0 for an empty
// slice.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// String implements [fmt.Stringer].
func (w *Waveform) String() string {
	return fmt.Sprintf("%d samples @ %dHz (%.2fs)", len(w.Samples), w.SampleRate, w.Duration())
}
