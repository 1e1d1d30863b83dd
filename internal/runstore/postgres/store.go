// Package postgres provides a PostgreSQL-backed [runstore.Store].
//
// Runs are stored in a runs table with their classified segments as JSONB.
// Every attributed speaker gets a row in run_speakers whose profile column is
// a pgvector vector holding the speaker's label distribution, so that
// [Store.SimilarSpeakers] can be answered by the database's nearest-neighbour
// index. The pgvector extension must be available; [Migrate] installs it.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/endill/internal/pipeline"
	"github.com/MrWong99/endill/internal/runstore"
	"github.com/MrWong99/endill/pkg/classify"
)

var _ runstore.Store = (*Store)(nil)

// Store is a [runstore.Store] over a single [pgxpool.Pool]. All methods are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, registers pgvector types on every
// connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, len(classify.Labels)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Save implements [runstore.Store]. The run and its speakers are written in
// one transaction.
func (s *Store) Save(ctx context.Context, r *pipeline.Result) error {
	segments, err := json.Marshal(r.Segments)
	if err != nil {
		return fmt.Errorf("postgres store: encode segments: %w", err)
	}

	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		const upsertRun = `
			INSERT INTO runs (id, strategy, duration_s, classifier_version, created_at, segments)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
			    strategy           = EXCLUDED.strategy,
			    duration_s         = EXCLUDED.duration_s,
			    classifier_version = EXCLUDED.classifier_version,
			    created_at         = EXCLUDED.created_at,
			    segments           = EXCLUDED.segments`
		if _, err := tx.Exec(ctx, upsertRun,
			r.RunID, r.Strategy, r.Duration, r.ClassifierVersion, r.CreatedAt, segments,
		); err != nil {
			return fmt.Errorf("upsert run: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM run_speakers WHERE run_id = $1`, r.RunID); err != nil {
			return fmt.Errorf("clear speakers: %w", err)
		}

		const insertSpeaker = `
			INSERT INTO run_speakers (run_id, speaker, segments, seconds, profile)
			VALUES ($1, $2, $3, $4, $5)`
		batch := &pgx.Batch{}
		for _, sp := range r.Speakers {
			batch.Queue(insertSpeaker, r.RunID, sp.Speaker, sp.Segments, sp.Seconds, pgvector.NewVector(sp.Profile))
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert speakers: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("postgres store: save %q: %w", r.RunID, err)
	}
	return nil
}

// Get implements [runstore.Store].
func (s *Store) Get(ctx context.Context, id string) (*pipeline.Result, error) {
	const qRun = `
		SELECT id, strategy, duration_s, classifier_version, created_at, segments
		FROM   runs
		WHERE  id = $1`

	var (
		r        pipeline.Result
		segments []byte
	)
	err := s.pool.QueryRow(ctx, qRun, id).Scan(
		&r.RunID, &r.Strategy, &r.Duration, &r.ClassifierVersion, &r.CreatedAt, &segments,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, runstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get %q: %w", id, err)
	}
	if err := json.Unmarshal(segments, &r.Segments); err != nil {
		return nil, fmt.Errorf("postgres store: decode segments of %q: %w", id, err)
	}
	r.CreatedAt = r.CreatedAt.UTC()

	const qSpeakers = `
		SELECT speaker, segments, seconds, profile
		FROM   run_speakers
		WHERE  run_id = $1
		ORDER  BY speaker`
	rows, err := s.pool.Query(ctx, qSpeakers, id)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get speakers of %q: %w", id, err)
	}
	r.Speakers, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (pipeline.SpeakerSummary, error) {
		var (
			sp      pipeline.SpeakerSummary
			profile pgvector.Vector
		)
		if err := row.Scan(&sp.Speaker, &sp.Segments, &sp.Seconds, &profile); err != nil {
			return sp, err
		}
		sp.Profile = profile.Slice()
		return sp, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan speakers of %q: %w", id, err)
	}
	return &r, nil
}

// List implements [runstore.Store].
func (s *Store) List(ctx context.Context, limit int) ([]runstore.Summary, error) {
	q := `
		SELECT id, strategy, duration_s, jsonb_array_length(segments), created_at
		FROM   runs
		ORDER  BY created_at DESC`
	var args []any
	if limit > 0 {
		q += "\nLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (runstore.Summary, error) {
		var sum runstore.Summary
		err := row.Scan(&sum.RunID, &sum.Strategy, &sum.Duration, &sum.Segments, &sum.CreatedAt)
		sum.CreatedAt = sum.CreatedAt.UTC()
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	return out, nil
}

// SimilarSpeakers implements [runstore.Store] using the pgvector L2 distance
// operator.
func (s *Store) SimilarSpeakers(ctx context.Context, profile []float32, limit int) ([]runstore.SpeakerMatch, error) {
	if len(profile) != len(classify.Labels) {
		return nil, nil
	}
	q := `
		SELECT run_id, speaker, profile, profile <-> $1 AS distance
		FROM   run_speakers
		ORDER  BY distance`
	args := []any{pgvector.NewVector(profile)}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar speakers: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (runstore.SpeakerMatch, error) {
		var (
			m   runstore.SpeakerMatch
			vec pgvector.Vector
		)
		if err := row.Scan(&m.RunID, &m.Speaker, &vec, &m.Distance); err != nil {
			return m, err
		}
		m.Profile = vec.Slice()
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: similar speakers: %w", err)
	}
	return out, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
