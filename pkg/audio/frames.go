package audio

import (
	"errors"
	"iter"
)

// DefaultFrameSeconds is the nominal analysis window length.
const DefaultFrameSeconds = 2.0

// ErrInvalidFrameDuration is returned when a non-positive frame length is
// requested.
var ErrInvalidFrameDuration = errors.New("audio: frame duration must be positive")

// Frame is a contiguous, non-overlapping window over a [Waveform].
// Start and End are in seconds from the beginning of the waveform.
type Frame struct {
	Index       int
	StartSample int
	EndSample   int
	Start       float64
	End         float64
}

// Duration returns End - Start.
func (f Frame) Duration() float64 { return f.End - f.Start }

// Frames yields consecutive windows of frameSeconds over w, starting at 0.
//
// A trailing partial window is kept only if it holds at least half the
// nominal frame's samples; when kept its End is the true end of the waveform.
// A waveform shorter than half a frame yields nothing, as does a non-positive
// frameSeconds (use [ValidateFrameSeconds] to report that case).
func Frames(w *Waveform, frameSeconds float64) iter.Seq[Frame] {
	return func(yield func(Frame) bool) {
		if w == nil || frameSeconds <= 0 || w.SampleRate <= 0 {
			return
		}
		size := int(frameSeconds * float64(w.SampleRate))
		if size <= 0 {
			return
		}
		rate := float64(w.SampleRate)
		for i, start := 0, 0; start < len(w.Samples); i, start = i+1, start+size {
			end := min(start+size, len(w.Samples))
			if end-start < size/2 {
				return
			}
			f := Frame{
				Index:       i,
				StartSample: start,
				EndSample:   end,
				Start:       float64(start) / rate,
				End:         float64(end) / rate,
			}
			if !yield(f) {
				return
			}
		}
	}
}

// CollectFrames materialises [Frames] into a slice after validating
// frameSeconds.
func CollectFrames(w *Waveform, frameSeconds float64) ([]Frame, error) {
	if err := ValidateFrameSeconds(frameSeconds); err != nil {
		return nil, err
	}
	var out []Frame
	for f := range Frames(w, frameSeconds) {
		out = append(out, f)
	}
	return out, nil
}

// ValidateFrameSeconds reports whether frameSeconds is a usable window length.
func ValidateFrameSeconds(frameSeconds float64) error {
	if frameSeconds <= 0 {
		return ErrInvalidFrameDuration
	}
	return nil
}
