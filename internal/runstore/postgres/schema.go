package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlRuns = `
CREATE TABLE IF NOT EXISTS runs (
    id                  TEXT         PRIMARY KEY,
    strategy            TEXT         NOT NULL,
    duration_s          DOUBLE PRECISION NOT NULL,
    classifier_version  TEXT         NOT NULL DEFAULT '',
    created_at          TIMESTAMPTZ  NOT NULL DEFAULT now(),
    segments            JSONB        NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_runs_created_at
    ON runs (created_at DESC);
`

// ddlSpeakers returns the speaker table DDL with the profile dimension
// substituted. The dimension is baked into the column type.
func ddlSpeakers(profileDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS run_speakers (
    run_id    TEXT              NOT NULL REFERENCES runs (id) ON DELETE CASCADE,
    speaker   TEXT              NOT NULL,
    segments  INTEGER           NOT NULL,
    seconds   DOUBLE PRECISION  NOT NULL,
    profile   vector(%d)        NOT NULL,
    PRIMARY KEY (run_id, speaker)
);

CREATE INDEX IF NOT EXISTS idx_run_speakers_profile
    ON run_speakers USING hnsw (profile vector_l2_ops);
`, profileDimensions)
}

// Migrate creates the run tables if they do not exist. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool, profileDimensions int) error {
	for _, stmt := range []string{ddlRuns, ddlSpeakers(profileDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
