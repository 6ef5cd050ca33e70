// Package postgres persists final transcript entries to a PostgreSQL
// call_transcripts table through a pgx connection pool.
//
// Usage:
//
//	sink, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer sink.Close()
//	_ = sink.Write(ctx, sessionID, entry)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/parley/pkg/transcript"
)

var _ transcript.Sink = (*Sink)(nil)

const ddlCallTranscripts = `
CREATE TABLE IF NOT EXISTS call_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    sender      TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    spoken_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_call_transcripts_session
    ON call_transcripts (session_id, spoken_at);
`

// Sink writes transcript entries to PostgreSQL. All methods are safe for
// concurrent use.
type Sink struct {
	pool *pgxpool.Pool
}

// New connects to dsn, verifies the connection and runs [Migrate].
func New(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("transcript postgres: migrate: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Migrate creates the call_transcripts table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallTranscripts); err != nil {
		return fmt.Errorf("create call_transcripts: %w", err)
	}
	return nil
}

// Ping checks database reachability. It backs the readiness probe.
func (s *Sink) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Write implements [transcript.Sink].
func (s *Sink) Write(ctx context.Context, sessionID string, e transcript.Entry) error {
	const q = `
		INSERT INTO call_transcripts (session_id, sender, text, spoken_at)
		VALUES ($1, $2, $3, $4)`
	if _, err := s.pool.Exec(ctx, q, sessionID, string(e.Sender), e.Text, e.Timestamp); err != nil {
		return fmt.Errorf("transcript postgres: write entry: %w", err)
	}
	return nil
}

// Entries returns the stored entries of sessionID in chronological order.
func (s *Sink) Entries(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	const q = `
		SELECT sender, text, spoken_at
		FROM   call_transcripts
		WHERE  session_id = $1
		ORDER  BY spoken_at, id`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: query entries: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (transcript.Entry, error) {
		var (
			e      transcript.Entry
			sender string
		)
		if err := row.Scan(&sender, &e.Text, &e.Timestamp); err != nil {
			return e, err
		}
		e.Sender = transcript.Sender(sender)
		e.Final = true
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("transcript postgres: scan entries: %w", err)
	}
	return entries, nil
}

// Close releases the pool.
func (s *Sink) Close() {
	s.pool.Close()
}
