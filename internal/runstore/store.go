// Package runstore keeps finished analysis runs for later retrieval and
// export. It is never consulted by the pipeline itself: a stored run is a
// record, not a cache.
//
// Two implementations exist: [Memory], a bounded in-process store used when
// no database is configured, and the PostgreSQL store in the postgres
// sub-package, which additionally indexes each speaker's argument profile in a
// pgvector column for similarity search.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/endill/internal/pipeline"
)

// ErrNotFound is returned by [Store.Get] for an unknown run id.
var ErrNotFound = errors.New("runstore: run not found")

// Store persists analysis runs. Implementations must be safe for concurrent use.
type Store interface {
	// Save stores r. Saving a run id twice replaces the earlier run.
	Save(ctx context.Context, r *pipeline.Result) error

	// Get returns the run with the given id or [ErrNotFound].
	Get(ctx context.Context, id string) (*pipeline.Result, error)

	// List returns up to limit run summaries, newest first. limit <= 0 means
	// no limit.
	List(ctx context.Context, limit int) ([]Summary, error)

	// SimilarSpeakers returns up to limit stored speakers whose argument
	// profile is closest to profile by Euclidean distance, nearest first.
	SimilarSpeakers(ctx context.Context, profile []float32, limit int) ([]SpeakerMatch, error)

	// Close releases the store's resources.
	Close()
}

// Summary is the listing view of a stored run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Strategy  string    `json:"strategy"`
	Duration  float64   `json:"duration"`
	Segments  int       `json:"segments"`
	CreatedAt time.Time `json:"created_at"`
}

// Summarize returns the listing view of r.
func Summarize(r *pipeline.Result) Summary {
	return Summary{
		RunID:     r.RunID,
		Strategy:  r.Strategy,
		Duration:  r.Duration,
		Segments:  len(r.Segments),
		CreatedAt: r.CreatedAt,
	}
}

// SpeakerMatch is one result of [Store.SimilarSpeakers].
type SpeakerMatch struct {
	RunID    string    `json:"run_id"`
	Speaker  string    `json:"speaker"`
	Profile  []float32 `json:"profile"`
	Distance float64   `json:"distance"`
}
