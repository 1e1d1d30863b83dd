// Package diarize answers "who spoke when" for a normalised recording.
//
// Three strategies share the [Strategy] interface:
//
//   - spectral: MFCC summary embeddings per fixed window, clustered
//     agglomeratively into k speakers.
//   - learned: the same windowing and clustering over mean-pooled hidden
//     states of a self-supervised speech encoder.
//   - alternating: no acoustics at all; transcript segments are attributed to
//     speakers in strict rotation, as in a timed two-sided debate.
//
// Every strategy returns non-overlapping segments ordered by start time that
// cover the recording's analysed span. Speaker labels (spk_0, spk_1, ...) are
// aliases local to one call; they carry no identity across recordings.
package diarize

import (
	"context"
	"math"
	"strconv"

	"github.com/MrWong99/endill/pkg/audio"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// Unknown labels a segment whose speaker could not be determined.
const Unknown = "unknown"

// Label returns the speaker label for cluster i, e.g. "spk_0".
func Label(i int) string { return "spk_" + strconv.Itoa(i) }

// Segment is a time span attributed to one speaker. Start and End are in
// seconds from the beginning of the recording.
type Segment struct {
	Speaker string  `json:"speaker"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Duration returns End - Start.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Input is the per-call input of a [Strategy].
type Input struct {
	// Waveform is the normalised recording. It must not be modified.
	Waveform *audio.Waveform

	// Speakers is the number of speakers to find. Values below 1 select the
	// strategy default (2).
	Speakers int

	// Transcript is an already computed transcript of Waveform, if any.
	// Strategies that need one use it instead of transcribing again.
	Transcript []stt.Segment
}

// Strategy is the common interface of all diarization approaches.
// Implementations must be safe for concurrent use.
type Strategy interface {
	// Name returns the strategy identifier, e.g. "spectral".
	Name() string

	// Diarize attributes the recording in in.Waveform to speakers.
	Diarize(ctx context.Context, in Input) ([]Segment, error)
}

// TranscriptConsumer is implemented by strategies that work from a
// transcript. Orchestrators use it to transcribe once and pass the result in
// [Input.Transcript] rather than running diarization concurrently.
type TranscriptConsumer interface {
	NeedsTranscript() bool
}

// NeedsTranscript reports whether s wants [Input.Transcript] populated.
func NeedsTranscript(s Strategy) bool {
	tc, ok := s.(TranscriptConsumer)
	return ok && tc.NeedsTranscript()
}

// Fallback returns the single segment used when no speaker structure can be
// derived: the whole recording attributed to [Unknown].
func Fallback(duration float64) []Segment {
	return []Segment{{Speaker: Unknown, Start: 0, End: duration}}
}

// Assemble turns per-frame cluster labels into one segment per frame. frames
// and labels must have the same length.
func Assemble(frames []audio.Frame, labels []int) []Segment {
	n := min(len(frames), len(labels))
	segs := make([]Segment, n)
	for i := range n {
		segs[i] = Segment{Speaker: Label(labels[i]), Start: frames[i].Start, End: frames[i].End}
	}
	return segs
}

// boundaryTolerance is how far apart, in seconds, two boundaries may be and
// still count as touching.
const boundaryTolerance = 1e-6

// MergeAdjacent coalesces runs of consecutive segments that share a speaker
// and whose boundaries touch. Total covered time is unchanged. The input is
// not modified.
func MergeAdjacent(segs []Segment) []Segment {
	if len(segs) == 0 {
		return segs
	}
	out := make([]Segment, 0, len(segs))
	cur := segs[0]
	for _, s := range segs[1:] {
		if s.Speaker == cur.Speaker && math.Abs(s.Start-cur.End) <= boundaryTolerance {
			cur.End = s.End
			continue
		}
		out = append(out, cur)
		cur = s
	}
	return append(out, cur)
}
