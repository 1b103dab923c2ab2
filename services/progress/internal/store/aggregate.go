package store

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/example/lms-platform/services/progress/internal/store"

// MirrorReporter receives legacy failures that happened while mirroring a write.
type MirrorReporter interface {
	ReportMirrorFailure(ctx context.Context, err *MirrorWriteError)
}

// MirrorReporterFunc adapts a function to MirrorReporter.
type MirrorReporterFunc func(ctx context.Context, err *MirrorWriteError)

func (f MirrorReporterFunc) ReportMirrorFailure(ctx context.Context, err *MirrorWriteError) {
	f(ctx, err)
}

// AggregateRepository serves progress from two backends during the storage migration.
//
// Reads prefer modern and fall back to legacy when modern has no record.
// Writes go to modern first; a modern failure fails the call and legacy is not touched.
// With syncLegacy the same write is then mirrored to legacy. Mirror failures are
// logged and reported but never returned: once modern succeeds the call succeeds.
// A concurrent reader may see modern updated and legacy stale between the two writes.
type AggregateRepository struct {
	kind       Kind
	legacy     Repository
	modern     Repository
	syncLegacy bool
	backfill   bool
	reporters  []MirrorReporter
	log        *zap.Logger
	tracer     trace.Tracer
}

type AggregateOption func(*AggregateRepository)

// WithBackfill makes Get copy records found only in legacy into modern.
// A failed copy is logged and the legacy record is still returned.
func WithBackfill() AggregateOption {
	return func(r *AggregateRepository) { r.backfill = true }
}

// WithMirrorReporter adds a reporter for mirror failures. May be given more than once.
func WithMirrorReporter(rep MirrorReporter) AggregateOption {
	return func(r *AggregateRepository) {
		if rep != nil {
			r.reporters = append(r.reporters, rep)
		}
	}
}

func WithLogger(log *zap.Logger) AggregateOption {
	return func(r *AggregateRepository) {
		if log != nil {
			r.log = log
		}
	}
}

func NewAggregateRepository(kind Kind, legacy, modern Repository, syncLegacy bool, opts ...AggregateOption) *AggregateRepository {
	r := &AggregateRepository{
		kind:       kind,
		legacy:     legacy,
		modern:     modern,
		syncLegacy: syncLegacy,
		log:        zap.NewNop(),
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("repo", "AggregateRepository"), zap.String("kind", string(kind)))
	return r
}

// Kind returns the content kind this repository serves.
func (r *AggregateRepository) Kind() Kind { return r.kind }

func (r *AggregateRepository) Get(ctx context.Context, learnerID, contentID int64) (rec ProgressRecord, found bool, err error) {
	ctx, span := r.start(ctx, "get", learnerID, contentID)
	defer func() { r.end(span, err) }()

	rec, found, err = r.modern.Get(ctx, learnerID, contentID)
	if err != nil {
		return ProgressRecord{}, false, err
	}
	if found {
		span.SetAttributes(attribute.String("progress.source", "modern"))
		return rec, true, nil
	}

	rec, found, err = r.legacy.Get(ctx, learnerID, contentID)
	if err != nil {
		return ProgressRecord{}, false, err
	}
	if !found {
		span.SetAttributes(attribute.String("progress.source", "none"))
		return ProgressRecord{}, false, nil
	}
	span.SetAttributes(attribute.String("progress.source", "legacy"))

	if r.backfill {
		if copied, ok := r.backfillModern(ctx, rec); ok {
			return copied, true, nil
		}
	}
	return rec, true, nil
}

func (r *AggregateRepository) backfillModern(ctx context.Context, rec ProgressRecord) (ProgressRecord, bool) {
	if err := rec.Validate(); err != nil {
		r.log.Warn("backfill skipped: legacy record invalid",
			zap.Int64("learner_id", rec.LearnerID), zap.Int64("content_id", rec.ContentID), zap.Error(err))
		return ProgressRecord{}, false
	}
	copied := rec
	copied.ID = 0
	saved, err := r.modern.Save(ctx, copied)
	if err != nil {
		r.log.Warn("backfill failed",
			zap.Int64("learner_id", rec.LearnerID), zap.Int64("content_id", rec.ContentID), zap.Error(err))
		return ProgressRecord{}, false
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.Bool("progress.backfilled", true))
	return saved, true
}

func (r *AggregateRepository) Save(ctx context.Context, rec ProgressRecord) (out ProgressRecord, err error) {
	ctx, span := r.start(ctx, "save", rec.LearnerID, rec.ContentID)
	defer func() { r.end(span, err) }()

	rec.Kind = r.kind
	rec.StartedAt = secondPrecision(rec.StartedAt)
	rec.CompletedAt = secondPrecision(rec.CompletedAt)
	if err := rec.Validate(); err != nil {
		return ProgressRecord{}, err
	}

	out, err = r.modern.Save(ctx, rec)
	if err != nil {
		return ProgressRecord{}, err
	}

	r.mirror(ctx, "save", rec.LearnerID, rec.ContentID, func(ctx context.Context) error {
		mirrored := rec
		mirrored.ID = 0
		_, err := r.legacy.Save(ctx, mirrored)
		return err
	})
	return out, nil
}

func (r *AggregateRepository) Delete(ctx context.Context, learnerID, contentID int64) (err error) {
	ctx, span := r.start(ctx, "delete", learnerID, contentID)
	defer func() { r.end(span, err) }()

	if err = r.modern.Delete(ctx, learnerID, contentID); err != nil {
		return err
	}
	r.mirror(ctx, "delete", learnerID, contentID, func(ctx context.Context) error {
		return r.legacy.Delete(ctx, learnerID, contentID)
	})
	return nil
}

func (r *AggregateRepository) DeleteForContent(ctx context.Context, contentID int64) (err error) {
	ctx, span := r.start(ctx, "delete_for_content", 0, contentID)
	defer func() { r.end(span, err) }()

	if err = r.modern.DeleteForContent(ctx, contentID); err != nil {
		return err
	}
	r.mirror(ctx, "delete_for_content", 0, contentID, func(ctx context.Context) error {
		return r.legacy.DeleteForContent(ctx, contentID)
	})
	return nil
}

func (r *AggregateRepository) DeleteForLearner(ctx context.Context, learnerID int64) (err error) {
	ctx, span := r.start(ctx, "delete_for_learner", learnerID, 0)
	defer func() { r.end(span, err) }()

	if err = r.modern.DeleteForLearner(ctx, learnerID); err != nil {
		return err
	}
	r.mirror(ctx, "delete_for_learner", learnerID, 0, func(ctx context.Context) error {
		return r.legacy.DeleteForLearner(ctx, learnerID)
	})
	return nil
}

// mirror runs write against legacy when syncLegacy is set and downgrades its error.
func (r *AggregateRepository) mirror(ctx context.Context, op string, learnerID, contentID int64, write func(context.Context) error) {
	if !r.syncLegacy {
		return
	}
	err := write(ctx)
	if err == nil {
		return
	}
	if !IsStorageError(err) {
		err = storageErr(BackendComments, op, err)
	}
	mwe := &MirrorWriteError{Kind: r.kind, Op: op, LearnerID: learnerID, ContentID: contentID, Err: err}

	span := trace.SpanFromContext(ctx)
	span.RecordError(mwe)
	span.SetAttributes(attribute.Bool("progress.mirror_failed", true))
	r.log.Warn("legacy mirror write failed",
		zap.String("op", op), zap.Int64("learner_id", learnerID), zap.Int64("content_id", contentID), zap.Error(err))
	for _, rep := range r.reporters {
		rep.ReportMirrorFailure(ctx, mwe)
	}
}

func (r *AggregateRepository) start(ctx context.Context, op string, learnerID, contentID int64) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, "progress."+op, trace.WithAttributes(
		attribute.String("progress.kind", string(r.kind)),
		attribute.Int64("progress.learner_id", learnerID),
		attribute.Int64("progress.content_id", contentID),
		attribute.Bool("progress.sync_legacy", r.syncLegacy),
	))
}

func (r *AggregateRepository) end(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrInvalidRecord) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// secondPrecision drops what the legacy tables cannot store, so both backends hold the same times.
func secondPrecision(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC().Truncate(time.Second)
	return &v
}
