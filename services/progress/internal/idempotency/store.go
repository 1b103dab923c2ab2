// Package idempotency de-duplicates inbound event ids.
//
// Primary backend: Redis SETNX with TTL (env REDIS_DSN).
// Fallback: the processed_events table in the progress database.
// If neither is available, an in-memory store is used (development only).
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store checks whether an event has already been processed and marks it.
type Store interface {
	// Check returns true if eventID was already processed.
	// If not seen, it atomically marks it as processed.
	Check(ctx context.Context, eventID string) (duplicate bool, err error)
	// Release unmarks eventID so a redelivery is processed again.
	Release(ctx context.Context, eventID string) error
}

// Pruner is implemented by stores whose entries do not expire on their own.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// Execer is the subset of *pgxpool.Pool the postgres store needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewStore creates the best available idempotency store:
// Redis > Postgres > in-memory (dev fallback).
// When isProd is true, in-memory fallback is not allowed and the function
// returns nil with an error.
func NewStore(redisDSN string, pool Execer, ttl time.Duration, isProd bool) (Store, error) {
	if redisDSN != "" {
		return newRedisStore(redisDSN, ttl), nil
	}
	if pool != nil {
		return newPostgresStore(pool, ttl), nil
	}
	if isProd {
		return nil, errors.New("production requires REDIS_DSN or DATABASE_URL for idempotency; in-memory store is not allowed")
	}
	return newMemoryStore(), nil
}
