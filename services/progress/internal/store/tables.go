package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of *pgxpool.Pool the tables repository needs.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TablesSchema is the DDL of migrations/0001_lms_progress.sql.
const TablesSchema = `
CREATE TABLE IF NOT EXISTS lms_progress (
  id           BIGSERIAL PRIMARY KEY,
  user_id      BIGINT      NOT NULL,
  post_id      BIGINT      NOT NULL,
  type         VARCHAR(20) NOT NULL,
  status       VARCHAR(20) NOT NULL,
  started_at   TIMESTAMPTZ NULL,
  completed_at TIMESTAMPTZ NULL,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  CONSTRAINT lms_progress_user_post_type UNIQUE (user_id, post_id, type)
);
CREATE INDEX IF NOT EXISTS lms_progress_post_type ON lms_progress (post_id, type);`

// TablesRepository is the Postgres-backed progress repository. One row per
// (user_id, post_id, type); the unique constraint is the only concurrency guard.
type TablesRepository struct {
	db   Querier
	kind Kind
}

func NewTablesRepository(db Querier, kind Kind) *TablesRepository {
	return &TablesRepository{db: db, kind: kind}
}

func (r *TablesRepository) Get(ctx context.Context, learnerID, contentID int64) (ProgressRecord, bool, error) {
	const q = `SELECT id, status, started_at, completed_at, updated_at
	           FROM lms_progress WHERE user_id = $1 AND post_id = $2 AND type = $3`

	out := ProgressRecord{Kind: r.kind, LearnerID: learnerID, ContentID: contentID}
	var status string
	err := r.db.QueryRow(ctx, q, learnerID, contentID, string(r.kind)).
		Scan(&out.ID, &status, &out.StartedAt, &out.CompletedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ProgressRecord{}, false, nil
	}
	if err != nil {
		return ProgressRecord{}, false, storageErr(BackendTables, "get", err)
	}
	out.Status = Status(status)
	normalizeTimes(&out)
	return out, true, nil
}

func (r *TablesRepository) Save(ctx context.Context, rec ProgressRecord) (ProgressRecord, error) {
	const q = `
INSERT INTO lms_progress (user_id, post_id, type, status, started_at, completed_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
ON CONFLICT (user_id, post_id, type)
DO UPDATE SET
  status       = EXCLUDED.status,
  started_at   = EXCLUDED.started_at,
  completed_at = EXCLUDED.completed_at,
  updated_at   = EXCLUDED.updated_at
RETURNING id, updated_at`

	out := rec
	out.Kind = r.kind
	err := r.db.QueryRow(ctx, q,
		rec.LearnerID, rec.ContentID, string(r.kind), string(rec.Status),
		rec.StartedAt, rec.CompletedAt, time.Now().UTC(),
	).Scan(&out.ID, &out.UpdatedAt)
	if err != nil {
		return ProgressRecord{}, storageErr(BackendTables, "save", err)
	}
	normalizeTimes(&out)
	return out, nil
}

func (r *TablesRepository) Delete(ctx context.Context, learnerID, contentID int64) error {
	const q = `DELETE FROM lms_progress WHERE user_id = $1 AND post_id = $2 AND type = $3`
	if _, err := r.db.Exec(ctx, q, learnerID, contentID, string(r.kind)); err != nil {
		return storageErr(BackendTables, "delete", err)
	}
	return nil
}

func (r *TablesRepository) DeleteForContent(ctx context.Context, contentID int64) error {
	const q = `DELETE FROM lms_progress WHERE post_id = $1 AND type = $2`
	if _, err := r.db.Exec(ctx, q, contentID, string(r.kind)); err != nil {
		return storageErr(BackendTables, "delete_for_content", err)
	}
	return nil
}

func (r *TablesRepository) DeleteForLearner(ctx context.Context, learnerID int64) error {
	const q = `DELETE FROM lms_progress WHERE user_id = $1 AND type = $2`
	if _, err := r.db.Exec(ctx, q, learnerID, string(r.kind)); err != nil {
		return storageErr(BackendTables, "delete_for_learner", err)
	}
	return nil
}

func normalizeTimes(rec *ProgressRecord) {
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if rec.StartedAt != nil {
		rec.StartedAt = timePtr(rec.StartedAt.UTC())
	}
	if rec.CompletedAt != nil {
		rec.CompletedAt = timePtr(rec.CompletedAt.UTC())
	}
}
