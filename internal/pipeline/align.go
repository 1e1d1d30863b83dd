package pipeline

import (
	"github.com/MrWong99/endill/pkg/diarize"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

// Aligned is a transcript segment with the speaker chosen for it by [Align].
// Speaker is nil when no diarization segment overlaps the transcript segment.
type Aligned struct {
	stt.Segment
	Speaker *string
}

// Align assigns each transcript segment the speaker of the diarization
// segment it overlaps the most, measured in seconds of intersection. Ties go
// to the diarization segment that starts first. A transcript segment that
// overlaps nothing keeps a nil speaker: "no signal" is not the same as
// [diarize.Unknown].
//
// Both inputs are expected ordered by start time. The result has one entry per
// transcript segment, in transcript order.
func Align(transcript []stt.Segment, diarization []diarize.Segment) []Aligned {
	out := make([]Aligned, len(transcript))
	for i, t := range transcript {
		out[i].Segment = t
		best, bestOverlap := -1, 0.0
		for j, d := range diarization {
			ov := overlap(t.Start, t.End, d.Start, d.End)
			if ov <= 0 {
				continue
			}
			if best < 0 || ov > bestOverlap || (ov == bestOverlap && d.Start < diarization[best].Start) {
				best, bestOverlap = j, ov
			}
		}
		if best >= 0 {
			speaker := diarization[best].Speaker
			out[i].Speaker = &speaker
		}
	}
	return out
}

// overlap returns the length of the intersection of [aStart, aEnd] and
// [bStart, bEnd], or 0 when they are disjoint.
func overlap(aStart, aEnd, bStart, bEnd float64) float64 {
	return max(0, min(aEnd, bEnd)-max(aStart, bStart))
}
