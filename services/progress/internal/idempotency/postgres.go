package idempotency

import (
	"context"
	"time"
)

// Schema is the processed_events DDL of migrations/0001_lms_progress.sql.
const Schema = `
CREATE TABLE IF NOT EXISTS processed_events (
  event_id   TEXT PRIMARY KEY,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

type postgresStore struct {
	db  Execer
	ttl time.Duration
}

func newPostgresStore(db Execer, ttl time.Duration) *postgresStore {
	return &postgresStore{db: db, ttl: ttl}
}

// Check uses INSERT ... ON CONFLICT to atomically deduplicate.
// Table `processed_events` must exist (see Schema).
func (s *postgresStore) Check(ctx context.Context, eventID string) (bool, error) {
	const q = `INSERT INTO processed_events (event_id, created_at)
	           VALUES ($1, now())
	           ON CONFLICT (event_id) DO NOTHING`

	tag, err := s.db.Exec(ctx, q, eventID)
	if err != nil {
		return false, err
	}
	// RowsAffected == 0 means the row already existed (duplicate).
	return tag.RowsAffected() == 0, nil
}

func (s *postgresStore) Release(ctx context.Context, eventID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE event_id = $1`, eventID)
	return err
}

// Prune removes ids older than the store's TTL. Zero TTL keeps everything.
func (s *postgresStore) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE created_at < $1`, time.Now().UTC().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
