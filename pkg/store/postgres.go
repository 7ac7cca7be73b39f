package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/innot/tofisca/pkg/scan"
)

const frameSchema = `
CREATE TABLE IF NOT EXISTS frames (
    session_id  UUID             NOT NULL,
    frame_index INTEGER          NOT NULL,
    captured_at TIMESTAMPTZ      NOT NULL,
    format      TEXT             NOT NULL,
    quality     TEXT             NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL,
    transform   JSONB            NOT NULL,
    image       BYTEA            NOT NULL,
    created_at  TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, frame_index)
)`

// PGStore persists frames in PostgreSQL. The primary key on
// (session_id, frame_index) plus ON CONFLICT DO NOTHING makes Commit
// idempotent.
type PGStore struct {
	pool *pgxpool.Pool
}

var _ scan.FrameStore = (*PGStore)(nil)

// NewPG connects to the database and ensures the frames table exists.
func NewPG(ctx context.Context, connString string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, frameSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) Commit(ctx context.Context, rec scan.FrameRecord) error {
	transform, err := json.Marshal(rec.Transform)
	if err != nil {
		return fmt.Errorf("store: encode transform: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO frames
         (session_id, frame_index, captured_at, format, quality, confidence, transform, image)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
         ON CONFLICT (session_id, frame_index) DO NOTHING`,
		rec.SessionID, rec.Index, rec.CapturedAt, rec.Format,
		string(rec.Quality), rec.Confidence, transform, rec.Image)
	if err != nil {
		return fmt.Errorf("store: insert frame %d: %w", rec.Index, err)
	}
	return nil
}

func (s *PGStore) LastIndex(ctx context.Context, session uuid.UUID) (int, error) {
	var last int
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(frame_index), 0) FROM frames WHERE session_id = $1",
		session).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("store: last index: %w", err)
	}
	return last, nil
}
