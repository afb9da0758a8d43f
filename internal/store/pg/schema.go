package pg

import (
	"context"
	"fmt"
)

// Migrate creates all tables. Safe to call multiple times.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS vote_submissions (
    id              TEXT PRIMARY KEY,
    election_id     BIGINT NOT NULL,
    voter_id        BIGINT NOT NULL,
    integrity_token TEXT NOT NULL,
    answers         JSONB NOT NULL,
    ip_address      TEXT,
    user_agent      TEXT,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (election_id, voter_id)
);

CREATE TABLE IF NOT EXISTS dispatch_jobs (
    id             TEXT PRIMARY KEY,
    queue          TEXT NOT NULL,
    channel        TEXT NOT NULL,
    submission_id  TEXT NOT NULL REFERENCES vote_submissions(id),
    election_id    BIGINT NOT NULL,
    voter_id       BIGINT NOT NULL,
    destination    TEXT NOT NULL,
    attempts       INT NOT NULL DEFAULT 0,
    max_attempts   INT NOT NULL,
    state          TEXT NOT NULL DEFAULT 'queued' CHECK (state IN ('queued', 'processing', 'completed', 'failed')),
    scheduled_for  TIMESTAMPTZ NOT NULL,
    locked_by      TEXT,
    locked_until   TIMESTAMPTZ,
    throttle_count INT NOT NULL DEFAULT 0,
    last_error     TEXT,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (submission_id, channel),
    CHECK (attempts <= max_attempts)
);

CREATE INDEX IF NOT EXISTS idx_dispatch_jobs_due ON dispatch_jobs (queue, state, scheduled_for);

CREATE TABLE IF NOT EXISTS dispatch_metrics (
    channel           TEXT NOT NULL,
    hour              TIMESTAMPTZ NOT NULL,
    sent              BIGINT NOT NULL DEFAULT 0,
    succeeded         BIGINT NOT NULL DEFAULT 0,
    failed            BIGINT NOT NULL DEFAULT 0,
    throttled         BIGINT NOT NULL DEFAULT 0,
    throttle_delay_ms BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (channel, hour)
);

CREATE TABLE IF NOT EXISTS dispatch_failures (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    reference   TEXT NOT NULL,
    channel     TEXT,
    reason      TEXT NOT NULL,
    attempts    INT NOT NULL DEFAULT 0,
    occurred_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_failures_occurred_at ON dispatch_failures (occurred_at);
`
