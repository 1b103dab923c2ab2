// Package bootstrap opens the progress backends for the service and the operator CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/lms-platform/internal/platform/config"
	"github.com/example/lms-platform/internal/platform/db"
	"github.com/example/lms-platform/internal/platform/events"
	"github.com/example/lms-platform/services/progress/internal/idempotency"
	"github.com/example/lms-platform/services/progress/internal/migration"
	"github.com/example/lms-platform/services/progress/internal/store"
)

// Stack holds the open legacy and modern backends.
type Stack struct {
	LegacyDB *gorm.DB
	// Pool is nil in development when DATABASE_URL is unset or unreachable.
	Pool *pgxpool.Pool

	prefix  string
	sqlite  bool
	memory  map[store.Kind]*store.InMemoryRepository
	closers []func()
}

// Open connects both backends. Production requires MySQL and Postgres; development
// falls back to a sqlite legacy file and in-memory modern repositories.
func Open(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*Stack, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Stack{prefix: cfg.Legacy.TablePrefix}

	if err := s.openLegacy(cfg, log); err != nil {
		return nil, err
	}
	if err := s.openModern(ctx, cfg, log); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Stack) openLegacy(cfg config.AppConfig, log *zap.Logger) error {
	if cfg.Legacy.DSN != "" {
		gdb, err := db.OpenLegacy(cfg.Legacy.DSN)
		if err != nil {
			return fmt.Errorf("legacy database: %w", err)
		}
		s.LegacyDB = gdb
		s.addCloser(gdb)
		log.Info("legacy store: mysql", zap.String("table_prefix", s.prefix))
		return nil
	}
	if cfg.IsProduction() {
		return errors.New("LEGACY_DATABASE_DSN is required in production")
	}

	gdb, err := db.OpenLegacySQLite(cfg.Legacy.SQLitePath)
	if err != nil {
		return fmt.Errorf("legacy sqlite: %w", err)
	}
	s.LegacyDB = gdb
	s.sqlite = true
	s.addCloser(gdb)
	if err := store.EnsureCommentsSchema(gdb, s.prefix); err != nil {
		s.Close()
		return fmt.Errorf("legacy sqlite schema: %w", err)
	}
	log.Warn("LEGACY_DATABASE_DSN not set, using sqlite legacy store (development only)",
		zap.String("path", cfg.Legacy.SQLitePath))
	return nil
}

func (s *Stack) openModern(ctx context.Context, cfg config.AppConfig, log *zap.Logger) error {
	if cfg.DatabaseURL == "" {
		if cfg.IsProduction() {
			return errors.New("DATABASE_URL is required in production")
		}
		log.Warn("DATABASE_URL not set, using in-memory progress tables (development only)")
		s.useMemory()
		return nil
	}

	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		if cfg.IsProduction() {
			return fmt.Errorf("postgres is required in production but unavailable: %w", err)
		}
		log.Warn("postgres unavailable, falling back to in-memory progress tables", zap.Error(err))
		s.useMemory()
		return nil
	}
	s.Pool = pool
	s.closers = append(s.closers, pool.Close)
	log.Info("modern store: postgres")
	return nil
}

func (s *Stack) useMemory() {
	s.memory = map[store.Kind]*store.InMemoryRepository{
		store.KindCourse: store.NewInMemoryRepository(store.KindCourse),
		store.KindLesson: store.NewInMemoryRepository(store.KindLesson),
	}
}

func (s *Stack) addCloser(gdb *gorm.DB) {
	s.closers = append(s.closers, func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
}

// Close releases every connection in reverse order of opening.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

// Backends returns per-kind constructors for the factory.
func (s *Stack) Backends() store.Backends {
	return store.Backends{
		Legacy: func(k store.Kind) store.Repository { return s.legacy(k) },
		Modern: s.modern,
	}
}

// Factory builds the aggregate repositories over the open backends.
func (s *Stack) Factory(opts store.FactoryOptions) *store.Factory {
	if s.Pool != nil {
		return store.NewFactory(s.LegacyDB, s.prefix, s.Pool, opts)
	}
	return store.NewFactoryFromBackends(s.Backends(), opts)
}

func (s *Stack) legacy(k store.Kind) *store.CommentsRepository {
	return store.NewCommentsRepository(s.LegacyDB, k, s.prefix)
}

func (s *Stack) modern(k store.Kind) store.Repository {
	if s.Pool == nil {
		return s.memory[k]
	}
	return store.NewTablesRepository(s.Pool, k)
}

// MigrationJobs returns one legacy-to-modern copy job per kind.
func (s *Stack) MigrationJobs(batchSize int, log *zap.Logger) []*migration.Job {
	kinds := []store.Kind{store.KindCourse, store.KindLesson}
	jobs := make([]*migration.Job, 0, len(kinds))
	for _, k := range kinds {
		jobLog := log
		if jobLog != nil {
			jobLog = jobLog.With(zap.String("kind", string(k)))
		}
		jobs = append(jobs, migration.NewJob(s.legacy(k), s.modern(k), batchSize, jobLog))
	}
	return jobs
}

// Execer returns the pool for the idempotency store, or nil without Postgres.
func (s *Stack) Execer() idempotency.Execer {
	if s.Pool == nil {
		return nil
	}
	return s.Pool
}

// MigrateSchema applies the Postgres DDL, and the comment tables for sqlite.
func (s *Stack) MigrateSchema(ctx context.Context) error {
	if s.sqlite {
		if err := store.EnsureCommentsSchema(s.LegacyDB, s.prefix); err != nil {
			return err
		}
	}
	if s.Pool == nil {
		return nil
	}
	for _, ddl := range []string{store.TablesSchema, idempotency.Schema} {
		if _, err := s.Pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// Ready pings every open backend.
func (s *Stack) Ready(ctx context.Context) error {
	sqlDB, err := s.LegacyDB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("legacy: %w", err)
	}
	if s.Pool != nil {
		if err := s.Pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// MirrorFailurePublisher reports mirror failures on progress.mirror_failed.
func MirrorFailurePublisher(pub *events.Publisher) store.MirrorReporter {
	return store.MirrorReporterFunc(func(_ context.Context, err *store.MirrorWriteError) {
		pub.Publish(events.SubjectProgressMirrorFailed, "progress_mirror_failed", err.LearnerID, map[string]any{
			"kind":       string(err.Kind),
			"op":         err.Op,
			"content_id": err.ContentID,
			"error":      err.Err.Error(),
		})
	})
}
