package diarize

import (
	"context"
	"fmt"

	"github.com/MrWong99/endill/pkg/provider/stt"
)

// AlternatingStrategy attributes transcript segments to speakers in strict
// rotation: spk_0, spk_1, spk_0, ... It suits formally timed debates where
// sides take turns, and needs no acoustic model.
type AlternatingStrategy struct {
	transcriber stt.Provider
}

var (
	_ Strategy           = (*AlternatingStrategy)(nil)
	_ TranscriptConsumer = (*AlternatingStrategy)(nil)
)

// NewAlternatingStrategy returns an AlternatingStrategy. transcriber is used
// only when the caller does not supply [Input.Transcript]; it may be nil if
// callers always do.
func NewAlternatingStrategy(transcriber stt.Provider) *AlternatingStrategy {
	return &AlternatingStrategy{transcriber: transcriber}
}

// Name returns "alternating".
func (a *AlternatingStrategy) Name() string { return StrategyAlternating }

// NeedsTranscript reports true.
func (a *AlternatingStrategy) NeedsTranscript() bool { return true }

// Diarize implements [Strategy]. The rotation cycles over in.Speakers labels
// (two by default). A recording without any transcript segment yields one
// spk_0 segment spanning the whole recording.
func (a *AlternatingStrategy) Diarize(ctx context.Context, in Input) ([]Segment, error) {
	transcript := in.Transcript
	if transcript == nil {
		if a.transcriber == nil {
			return nil, fmt.Errorf("diarize: alternating strategy has no transcript and no transcriber")
		}
		var err error
		transcript, err = a.transcriber.Transcribe(ctx, in.Waveform)
		if err != nil {
			return nil, fmt.Errorf("diarize: transcribe: %w", err)
		}
	}
	transcript = stt.Normalize(transcript)

	if len(transcript) == 0 {
		return []Segment{{Speaker: Label(0), Start: 0, End: in.Waveform.Duration()}}, nil
	}

	k := in.Speakers
	if k < 1 {
		k = 2
	}
	segs := make([]Segment, len(transcript))
	for i, t := range transcript {
		segs[i] = Segment{Speaker: Label(i % k), Start: t.Start, End: t.End}
	}
	return segs, nil
}
