package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/endill/internal/pipeline"
	"github.com/MrWong99/endill/internal/runstore"
	"github.com/MrWong99/endill/internal/runstore/postgres"
	"github.com/MrWong99/endill/pkg/classify"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if ENDILL_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("ENDILL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ENDILL_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] over a clean schema.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS run_speakers CASCADE",
		"DROP TABLE IF EXISTS runs CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}
	pool.Close()

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func sp(s string) *string { return &s }

func run(id string, at time.Time, profiles ...[]float32) *pipeline.Result {
	r := &pipeline.Result{
		RunID:             id,
		Strategy:          "learned",
		Duration:          12.5,
		ClassifierVersion: "v3",
		CreatedAt:         at,
		Segments: []pipeline.ClassifiedSegment{
			{Text: "claim!", Start: 0, End: 2, Speaker: sp("spk_0"), Label: classify.Claim},
			{Text: "silence", Start: 2, End: 3, Label: classify.NonInfo},
		},
	}
	for i, p := range profiles {
		r.Speakers = append(r.Speakers, pipeline.SpeakerSummary{
			Speaker: "spk_" + string(rune('0'+i)), Segments: 1, Seconds: 2, Profile: p,
		})
	}
	return r
}

func TestStore_SaveGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Save(ctx, run("r1", at, []float32{1, 0, 0})); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Strategy != "learned" || got.ClassifierVersion != "v3" || !got.CreatedAt.Equal(at) {
		t.Errorf("run = %+v", got)
	}
	if len(got.Segments) != 2 || got.Segments[1].Speaker != nil || *got.Segments[0].Speaker != "spk_0" {
		t.Errorf("segments = %+v", got.Segments)
	}
	if len(got.Speakers) != 1 || got.Speakers[0].Profile[0] != 1 {
		t.Errorf("speakers = %+v", got.Speakers)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, runstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ResaveReplacesSpeakers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_ = s.Save(ctx, run("r1", time.Now(), []float32{1, 0, 0}, []float32{0, 1, 0}))
	if err := s.Save(ctx, run("r1", time.Now(), []float32{0, 0, 1})); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Speakers) != 1 || got.Speakers[0].Profile[2] != 1 {
		t.Errorf("speakers = %+v, want the replacement only", got.Speakers)
	}
}

func TestStore_ListAndSimilar(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_ = s.Save(ctx, run("old", base, []float32{1, 0, 0}))
	_ = s.Save(ctx, run("new", base.Add(time.Hour), []float32{0, 1, 0}))

	list, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].RunID != "new" || list[0].Segments != 2 {
		t.Errorf("list = %+v", list)
	}

	matches, err := s.SimilarSpeakers(ctx, []float32{0.9, 0.1, 0}, 1)
	if err != nil {
		t.Fatalf("SimilarSpeakers: %v", err)
	}
	if len(matches) != 1 || matches[0].RunID != "old" {
		t.Errorf("matches = %+v, want run old", matches)
	}
}
