package store

import (
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// syncLegacyDuringMigration keeps legacy readers working until the migration window closes.
const syncLegacyDuringMigration = true

type FactoryOptions struct {
	Backfill  bool
	Logger    *zap.Logger
	Reporters []MirrorReporter
}

// Backends builds the per-kind legacy and modern repositories an aggregate wraps.
type Backends struct {
	Legacy func(Kind) Repository
	Modern func(Kind) Repository
}

// Factory builds aggregate repositories. It holds only what it injects.
type Factory struct {
	backends Backends
	opts     FactoryOptions
}

// NewFactory wires the host comment tables named with prefix (legacy) and lms_progress (modern).
func NewFactory(legacy *gorm.DB, prefix string, modern Querier, opts FactoryOptions) *Factory {
	return NewFactoryFromBackends(Backends{
		Legacy: func(k Kind) Repository { return NewCommentsRepository(legacy, k, prefix) },
		Modern: func(k Kind) Repository { return NewTablesRepository(modern, k) },
	}, opts)
}

func NewFactoryFromBackends(b Backends, opts FactoryOptions) *Factory {
	return &Factory{backends: b, opts: opts}
}

func (f *Factory) Course() *AggregateRepository {
	return f.create(KindCourse)
}

func (f *Factory) Lesson() *AggregateRepository {
	return f.create(KindLesson)
}

// For returns the repository for kind.
func (f *Factory) For(kind Kind) Repository {
	return f.create(kind)
}

func (f *Factory) create(kind Kind) *AggregateRepository {
	return NewAggregateRepository(kind,
		f.backends.Legacy(kind),
		f.backends.Modern(kind),
		syncLegacyDuringMigration,
		f.options()...,
	)
}

func (f *Factory) options() []AggregateOption {
	opts := []AggregateOption{WithLogger(f.opts.Logger)}
	if f.opts.Backfill {
		opts = append(opts, WithBackfill())
	}
	for _, rep := range f.opts.Reporters {
		opts = append(opts, WithMirrorReporter(rep))
	}
	return opts
}
