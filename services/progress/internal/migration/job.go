// Package migration copies progress history from the legacy comment tables into lms_progress.
package migration

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/example/lms-platform/services/progress/internal/store"
)

const DefaultBatchSize = 500

// Stats describes one or more batches.
type Stats struct {
	Scanned int
	Copied  int
	Skipped int
	Done    bool
}

func (s *Stats) add(o Stats) {
	s.Scanned += o.Scanned
	s.Copied += o.Copied
	s.Skipped += o.Skipped
	s.Done = o.Done
}

// Job walks the legacy backend in id order and saves records modern does not have yet.
// Modern is authoritative: an existing modern record is never overwritten.
// The cursor lives in memory; a restarted job rescans from the start and skips what was copied.
type Job struct {
	legacy    store.Lister
	modern    store.Repository
	batchSize int
	log       *zap.Logger

	mu     sync.Mutex
	cursor int64
}

func NewJob(legacy store.Lister, modern store.Repository, batchSize int, log *zap.Logger) *Job {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Job{legacy: legacy, modern: modern, batchSize: batchSize, log: log}
}

// RunBatch copies the next batch. Done is set once legacy returns a short page.
func (j *Job) RunBatch(ctx context.Context) (Stats, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var st Stats
	recs, err := j.legacy.List(ctx, j.cursor, j.batchSize)
	if err != nil {
		return st, err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		st.Scanned++

		_, found, err := j.modern.Get(ctx, rec.LearnerID, rec.ContentID)
		if err != nil {
			return st, err
		}
		if found {
			st.Skipped++
			j.cursor = rec.ID
			continue
		}
		if err := rec.Validate(); err != nil {
			j.log.Warn("skipping invalid legacy record",
				zap.Int64("legacy_id", rec.ID), zap.Int64("learner_id", rec.LearnerID),
				zap.Int64("content_id", rec.ContentID), zap.Error(err))
			st.Skipped++
			j.cursor = rec.ID
			continue
		}

		legacyID := rec.ID
		rec.ID = 0
		if _, err := j.modern.Save(ctx, rec); err != nil {
			return st, err
		}
		st.Copied++
		j.cursor = legacyID
	}

	st.Done = len(recs) < j.batchSize
	return st, nil
}

// Run copies batches until legacy is exhausted or ctx is cancelled.
func (j *Job) Run(ctx context.Context) (Stats, error) {
	var total Stats
	for {
		st, err := j.RunBatch(ctx)
		total.add(st)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				j.log.Info("migration interrupted", zap.Int64("cursor", j.Cursor()))
			}
			return total, err
		}
		if st.Done {
			return total, nil
		}
	}
}

// Reset rewinds the cursor to the first legacy record.
func (j *Job) Reset() {
	j.mu.Lock()
	j.cursor = 0
	j.mu.Unlock()
}

func (j *Job) Cursor() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cursor
}
