package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/example/lms-platform/internal/platform/db"
)

var errBackendDown = errors.New("backend down")

// faultyRepository wraps a Repository and injects failures per operation.
type faultyRepository struct {
	Repository
	getErr    error
	saveErr   error
	deleteErr error

	saves   int
	deletes int
}

func (f *faultyRepository) Get(ctx context.Context, learnerID, contentID int64) (ProgressRecord, bool, error) {
	if f.getErr != nil {
		return ProgressRecord{}, false, f.getErr
	}
	return f.Repository.Get(ctx, learnerID, contentID)
}

func (f *faultyRepository) Save(ctx context.Context, rec ProgressRecord) (ProgressRecord, error) {
	f.saves++
	if f.saveErr != nil {
		return ProgressRecord{}, f.saveErr
	}
	return f.Repository.Save(ctx, rec)
}

func (f *faultyRepository) Delete(ctx context.Context, learnerID, contentID int64) error {
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Repository.Delete(ctx, learnerID, contentID)
}

func (f *faultyRepository) DeleteForContent(ctx context.Context, contentID int64) error {
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Repository.DeleteForContent(ctx, contentID)
}

func (f *faultyRepository) DeleteForLearner(ctx context.Context, learnerID int64) error {
	f.deletes++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Repository.DeleteForLearner(ctx, learnerID)
}

type recordingReporter struct {
	mu   sync.Mutex
	errs []*MirrorWriteError
}

func (r *recordingReporter) ReportMirrorFailure(_ context.Context, err *MirrorWriteError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func newLegacyDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenLegacySQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := EnsureCommentsSchema(gdb, "wp_"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 1, 5, hour, minute, 0, 0, time.UTC)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// insertLessonComment writes a raw progress comment the way the host does, without meta.
func insertLessonComment(t *testing.T, gdb *gorm.DB, learnerID, contentID int64, status Status, date time.Time) int64 {
	t.Helper()
	c := legacyComment{
		PostID: contentID, UserID: learnerID, Type: commentTypeLesson,
		Approved: string(status), Agent: "host", Date: date, DateGMT: date,
	}
	if err := gdb.Table("wp_comments").Create(&c).Error; err != nil {
		t.Fatalf("insert comment: %v", err)
	}
	return c.ID
}
