package stt

import (
	"cmp"
	"slices"
	"strings"
)

// Segment is one time-stamped span of recognised speech. Start and End are
// seconds from the beginning of the recording.
type Segment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (s Segment) Duration() float64 { return s.End - s.Start }

// Normalize tidies raw backend output: text is trimmed, empty segments are
// dropped, segments are ordered by start time, End is never before Start, and
// a segment never starts before its predecessor ends.
//
// The input slice is not modified.
func Normalize(segs []Segment) []Segment {
	out := make([]Segment, 0, len(segs))
	for _, s := range segs {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		s.Start = max(s.Start, 0)
		s.End = max(s.End, s.Start)
		out = append(out, s)
	}
	slices.SortStableFunc(out, func(a, b Segment) int { return cmp.Compare(a.Start, b.Start) })
	for i := 1; i < len(out); i++ {
		if out[i].Start < out[i-1].End {
			out[i].Start = out[i-1].End
			out[i].End = max(out[i].End, out[i].Start)
		}
	}
	return out
}
