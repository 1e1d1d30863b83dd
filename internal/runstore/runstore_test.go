package runstore_test

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/endill/internal/pipeline"
	"github.com/MrWong99/endill/internal/runstore"
	"github.com/MrWong99/endill/pkg/classify"
)

func sp(s string) *string { return &s }

func sampleRun(id string, at time.Time) *pipeline.Result {
	return &pipeline.Result{
		RunID:     id,
		Strategy:  "spectral",
		Duration:  6,
		CreatedAt: at,
		Segments: []pipeline.ClassifiedSegment{
			{Text: "We should, \"obviously\", act!", Start: 0, End: 2.5, Speaker: sp("spk_0"), Label: classify.Claim},
			{Text: "Data shows\ngrowth.", Start: 2.5, End: 4, Speaker: sp("spk_1"), Label: classify.Evidence},
			{Text: "ok", Start: 4, End: 6, Label: classify.NonInfo},
		},
		Speakers: []pipeline.SpeakerSummary{
			{Speaker: "spk_0", Segments: 1, Seconds: 2.5, Profile: []float32{1, 0, 0}},
			{Speaker: "spk_1", Segments: 1, Seconds: 1.5, Profile: []float32{0, 1, 0}},
		},
	}
}

func TestMemory_SaveGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := runstore.NewMemory(0)

	run := sampleRun("a", time.Now())
	if err := m.Save(ctx, run); err != nil {
		t.Fatal(err)
	}
	run.Segments[0].Text = "mutated"
	*run.Segments[1].Speaker = "mutated"

	got, err := m.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Segments[0].Text == "mutated" || *got.Segments[1].Speaker == "mutated" {
		t.Error("store shares memory with the caller")
	}

	if _, err := m.Get(ctx, "missing"); !errors.Is(err, runstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestMemory_BoundedEvictsOldest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := runstore.NewMemory(2)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 3 {
		if err := m.Save(ctx, sampleRun(fmt.Sprint(i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatal(err)
		}
	}
	if m.Len() != 2 {
		t.Fatalf("len = %d, want 2", m.Len())
	}
	if _, err := m.Get(ctx, "0"); !errors.Is(err, runstore.ErrNotFound) {
		t.Error("oldest run should have been evicted")
	}

	list, err := m.List(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].RunID != "2" || list[1].RunID != "1" {
		t.Errorf("list = %+v, want newest first [2 1]", list)
	}
	if list[0].Segments != 3 {
		t.Errorf("segments = %d, want 3", list[0].Segments)
	}

	list, _ = m.List(ctx, 1)
	if len(list) != 1 {
		t.Errorf("limited list len = %d, want 1", len(list))
	}
}

func TestMemory_ResaveMovesToNewest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := runstore.NewMemory(2)
	_ = m.Save(ctx, sampleRun("a", time.Now()))
	_ = m.Save(ctx, sampleRun("b", time.Now()))
	_ = m.Save(ctx, sampleRun("a", time.Now()))
	_ = m.Save(ctx, sampleRun("c", time.Now()))

	if _, err := m.Get(ctx, "a"); err != nil {
		t.Errorf("re-saved run evicted: %v", err)
	}
	if _, err := m.Get(ctx, "b"); !errors.Is(err, runstore.ErrNotFound) {
		t.Error("b should have been evicted")
	}
}

func TestMemory_SimilarSpeakers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := runstore.NewMemory(0)
	_ = m.Save(ctx, sampleRun("a", time.Now()))

	matches, err := m.SimilarSpeakers(ctx, []float32{0.1, 0.9, 0}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Speaker != "spk_1" || matches[0].RunID != "a" {
		t.Errorf("matches = %+v, want spk_1 of run a", matches)
	}

	matches, _ = m.SimilarSpeakers(ctx, []float32{1, 0}, 0)
	if len(matches) != 0 {
		t.Errorf("mismatched dimensions should not match: %+v", matches)
	}
}

func TestWriteCSV(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := runstore.WriteCSV(&buf, sampleRun("a", time.Now())); err != nil {
		t.Fatal(err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("output is not valid CSV: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows = %d, want header + 3", len(rows))
	}
	if got := rows[0]; got[0] != "start" || got[4] != "text" {
		t.Errorf("header = %v", got)
	}
	if got := rows[1]; got[1] != "2.5" || got[2] != "spk_0" || got[3] != "claim" || got[4] != "We should, \"obviously\", act!" {
		t.Errorf("row 1 = %q", got)
	}
	if got := rows[2][4]; got != "Data shows\ngrowth." {
		t.Errorf("multi-line text = %q", got)
	}
	if got := rows[3][2]; got != "" {
		t.Errorf("unattributed speaker = %q, want empty", got)
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := runstore.WriteJSON(&buf, sampleRun("a", time.Now())); err != nil {
		t.Fatal(err)
	}
	var doc struct {
		RunID    string `json:"run_id"`
		Segments []map[string]any
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if doc.RunID != "a" || len(doc.Segments) != 3 {
		t.Errorf("doc = %+v", doc)
	}
	if _, ok := doc.Segments[2]["speaker"]; ok {
		t.Error("unattributed segment should omit speaker")
	}
}
