package pipeline

import (
	"testing"

	"github.com/MrWong99/endill/pkg/classify"
	"github.com/MrWong99/endill/pkg/diarize"
	"github.com/MrWong99/endill/pkg/provider/stt"
)

func ptr(s string) *string { return &s }

func speakerOf(a Aligned) string {
	if a.Speaker == nil {
		return "<nil>"
	}
	return *a.Speaker
}

func TestAlign(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		transcript  stt.Segment
		diarization []diarize.Segment
		want        string
	}{
		{
			name:       "tie goes to earliest start",
			transcript: stt.Segment{Text: "x", Start: 2, End: 4},
			diarization: []diarize.Segment{
				{Speaker: "spk_0", Start: 0, End: 3},
				{Speaker: "spk_1", Start: 3, End: 6},
			},
			want: "spk_0",
		},
		{
			name:       "tie with unordered input still picks earliest start",
			transcript: stt.Segment{Text: "x", Start: 2, End: 4},
			diarization: []diarize.Segment{
				{Speaker: "spk_1", Start: 3, End: 6},
				{Speaker: "spk_0", Start: 0, End: 3},
			},
			want: "spk_0",
		},
		{
			name:       "largest overlap wins",
			transcript: stt.Segment{Text: "x", Start: 2.5, End: 5},
			diarization: []diarize.Segment{
				{Speaker: "spk_0", Start: 0, End: 3},
				{Speaker: "spk_1", Start: 3, End: 6},
			},
			want: "spk_1",
		},
		{
			name:       "no overlap leaves speaker unset",
			transcript: stt.Segment{Text: "x", Start: 7, End: 8},
			diarization: []diarize.Segment{
				{Speaker: "spk_0", Start: 0, End: 6},
			},
			want: "<nil>",
		},
		{
			name:       "touching boundary is not overlap",
			transcript: stt.Segment{Text: "x", Start: 6, End: 8},
			diarization: []diarize.Segment{
				{Speaker: "spk_0", Start: 0, End: 6},
			},
			want: "<nil>",
		},
		{
			name:       "unknown fallback segment is a real speaker",
			transcript: stt.Segment{Text: "x", Start: 0.2, End: 0.4},
			diarization: diarize.Fallback(0.5),
			want:       diarize.Unknown,
		},
		{
			name:        "empty diarization",
			transcript:  stt.Segment{Text: "x", Start: 0, End: 1},
			diarization: nil,
			want:        "<nil>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Align([]stt.Segment{tt.transcript}, tt.diarization)
			if len(got) != 1 {
				t.Fatalf("len = %d, want 1", len(got))
			}
			if s := speakerOf(got[0]); s != tt.want {
				t.Errorf("speaker = %s, want %s", s, tt.want)
			}
			if got[0].Segment != tt.transcript {
				t.Errorf("segment changed: %+v", got[0].Segment)
			}
		})
	}
}

func TestAlign_KeepsTranscriptOrder(t *testing.T) {
	t.Parallel()
	transcript := []stt.Segment{
		{Text: "a", Start: 0, End: 1.5},
		{Text: "b", Start: 1.5, End: 3.5},
		{Text: "c", Start: 4.2, End: 5.8},
	}
	diar := []diarize.Segment{
		{Speaker: "spk_0", Start: 0, End: 2},
		{Speaker: "spk_1", Start: 2, End: 4},
		{Speaker: "spk_0", Start: 4, End: 6},
	}
	got := Align(transcript, diar)
	want := []string{"spk_0", "spk_1", "spk_0"}
	for i := range got {
		if got[i].Text != transcript[i].Text {
			t.Errorf("[%d] text = %q, want %q", i, got[i].Text, transcript[i].Text)
		}
		if s := speakerOf(got[i]); s != want[i] {
			t.Errorf("[%d] speaker = %s, want %s", i, s, want[i])
		}
	}
}

func TestSummarize(t *testing.T) {
	t.Parallel()
	segs := []ClassifiedSegment{
		{Text: "a", Start: 0, End: 2, Speaker: ptr("spk_1"), Label: classify.Claim},
		{Text: "b", Start: 2, End: 3, Speaker: ptr("spk_0"), Label: classify.Evidence},
		{Text: "c", Start: 3, End: 5, Speaker: ptr("spk_1"), Label: classify.NonInfo},
		{Text: "d", Start: 5, End: 6, Label: classify.Claim},
	}
	got := Summarize(segs)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Speaker != "spk_0" || got[1].Speaker != "spk_1" {
		t.Fatalf("order = %s, %s", got[0].Speaker, got[1].Speaker)
	}
	s1 := got[1]
	if s1.Segments != 2 || s1.Seconds != 4 {
		t.Errorf("spk_1 = %+v, want 2 segments / 4s", s1)
	}
	if s1.Profile[0] != 0.5 || s1.Profile[1] != 0 || s1.Profile[2] != 0.5 {
		t.Errorf("spk_1 profile = %v", s1.Profile)
	}
	if got[0].Profile[1] != 1 {
		t.Errorf("spk_0 profile = %v", got[0].Profile)
	}
}
