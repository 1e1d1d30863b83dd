package pipeline

import (
	"cmp"
	"slices"

	"github.com/MrWong99/endill/pkg/classify"
)

// SpeakerSummary aggregates one speaker's contribution to a run.
type SpeakerSummary struct {
	Speaker  string  `json:"speaker"`
	Segments int     `json:"segments"`
	Seconds  float64 `json:"seconds"`

	// Profile is the share of the speaker's segments per label, in
	// [classify.Labels] order. It sums to 1 for any speaker with segments.
	Profile []float32 `json:"profile"`
}

// Summarize builds one [SpeakerSummary] per attributed speaker, ordered by
// speaker label. Segments without a speaker are not counted.
func Summarize(segs []ClassifiedSegment) []SpeakerSummary {
	byLabel := make(map[string]*SpeakerSummary)
	counts := make(map[string][]int)
	for _, s := range segs {
		if s.Speaker == nil {
			continue
		}
		sum, ok := byLabel[*s.Speaker]
		if !ok {
			sum = &SpeakerSummary{Speaker: *s.Speaker}
			byLabel[*s.Speaker] = sum
			counts[*s.Speaker] = make([]int, len(classify.Labels))
		}
		sum.Segments++
		sum.Seconds += s.End - s.Start
		if i := slices.Index(classify.Labels, s.Label); i >= 0 {
			counts[*s.Speaker][i]++
		}
	}

	out := make([]SpeakerSummary, 0, len(byLabel))
	for label, sum := range byLabel {
		sum.Profile = make([]float32, len(classify.Labels))
		for i, c := range counts[label] {
			sum.Profile[i] = float32(c) / float32(sum.Segments)
		}
		out = append(out, *sum)
	}
	slices.SortFunc(out, func(a, b SpeakerSummary) int { return cmp.Compare(a.Speaker, b.Speaker) })
	return out
}
