package migration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/lms-platform/internal/platform/db"
	"github.com/example/lms-platform/services/progress/internal/store"
)

var t0 = time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

func seedLegacy(t *testing.T, n int) *store.InMemoryRepository {
	t.Helper()
	legacy := store.NewInMemoryRepository(store.KindLesson)
	for i := 1; i <= n; i++ {
		if _, err := legacy.Save(context.Background(), store.NewRecord(store.KindLesson, int64(i), 100, t0)); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return legacy
}

func TestJob_RunCopiesEverything(t *testing.T) {
	legacy := seedLegacy(t, 5)
	modern := store.NewInMemoryRepository(store.KindLesson)
	job := NewJob(legacy, modern, 2, nil)

	st, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Scanned != 5 || st.Copied != 5 || st.Skipped != 0 || !st.Done {
		t.Fatalf("unexpected stats: %+v", st)
	}
	if modern.Len() != 5 {
		t.Fatalf("expected 5 modern records, got %d", modern.Len())
	}
	got, ok, _ := modern.Get(context.Background(), 3, 100)
	if !ok || got.StartedAt == nil || !got.StartedAt.Equal(t0) {
		t.Fatalf("copied record lost data: %+v", got)
	}
}

func TestJob_RunBatchAdvancesCursor(t *testing.T) {
	legacy := seedLegacy(t, 3)
	job := NewJob(legacy, store.NewInMemoryRepository(store.KindLesson), 2, nil)
	ctx := context.Background()

	st, err := job.RunBatch(ctx)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if st.Copied != 2 || st.Done || job.Cursor() != 2 {
		t.Fatalf("unexpected first batch: %+v cursor=%d", st, job.Cursor())
	}
	st, _ = job.RunBatch(ctx)
	if st.Copied != 1 || !st.Done || job.Cursor() != 3 {
		t.Fatalf("unexpected second batch: %+v cursor=%d", st, job.Cursor())
	}
	st, _ = job.RunBatch(ctx)
	if st.Scanned != 0 || !st.Done {
		t.Fatalf("expected empty final batch: %+v", st)
	}
}

func TestJob_ModernIsNotOverwritten(t *testing.T) {
	legacy := seedLegacy(t, 2)
	modern := store.NewInMemoryRepository(store.KindLesson)
	ctx := context.Background()

	if _, err := modern.Save(ctx, store.ProgressRecord{LearnerID: 1, ContentID: 100, Status: store.StatusPassed}); err != nil {
		t.Fatalf("seed modern: %v", err)
	}

	st, err := NewJob(legacy, modern, 10, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Copied != 1 || st.Skipped != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
	got, _, _ := modern.Get(ctx, 1, 100)
	if got.Status != store.StatusPassed {
		t.Fatalf("modern record was overwritten with %q", got.Status)
	}
}

func TestJob_InvalidLegacyRecordsAreSkipped(t *testing.T) {
	legacy := store.NewInMemoryRepository(store.KindCourse)
	modern := store.NewInMemoryRepository(store.KindCourse)
	ctx := context.Background()
	_, _ = legacy.Save(ctx, store.ProgressRecord{LearnerID: 1, ContentID: 5, Status: store.Status("bogus")})
	_, _ = legacy.Save(ctx, store.ProgressRecord{LearnerID: 2, ContentID: 5, Status: store.StatusComplete, CompletedAt: &t0})

	st, err := NewJob(legacy, modern, 10, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Copied != 1 || st.Skipped != 1 || modern.Len() != 1 {
		t.Fatalf("unexpected result: %+v modern=%d", st, modern.Len())
	}
}

func TestJob_ResetRescans(t *testing.T) {
	legacy := seedLegacy(t, 2)
	modern := store.NewInMemoryRepository(store.KindLesson)
	job := NewJob(legacy, modern, 10, nil)
	ctx := context.Background()

	if _, err := job.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	job.Reset()
	if job.Cursor() != 0 {
		t.Fatalf("cursor not rewound: %d", job.Cursor())
	}
	st, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if st.Scanned != 2 || st.Skipped != 2 || st.Copied != 0 {
		t.Fatalf("rerun should only skip: %+v", st)
	}
}

type failingModern struct {
	*store.InMemoryRepository
}

func (f failingModern) Save(context.Context, store.ProgressRecord) (store.ProgressRecord, error) {
	return store.ProgressRecord{}, &store.StorageError{Backend: store.BackendTables, Op: "save", Err: errors.New("down")}
}

func TestJob_SaveErrorStopsAndKeepsCursor(t *testing.T) {
	legacy := seedLegacy(t, 3)
	job := NewJob(legacy, failingModern{store.NewInMemoryRepository(store.KindLesson)}, 10, nil)

	_, err := job.Run(context.Background())
	if !store.IsStorageError(err) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if job.Cursor() != 0 {
		t.Fatalf("cursor advanced past a failed record: %d", job.Cursor())
	}
}

func TestJob_CancelledContext(t *testing.T) {
	legacy := seedLegacy(t, 3)
	job := NewJob(legacy, store.NewInMemoryRepository(store.KindLesson), 10, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestNewScheduler(t *testing.T) {
	c, err := NewScheduler(context.Background(), "", nil)
	if err != nil || c != nil {
		t.Fatalf("empty schedule should disable: %v %v", c, err)
	}
	if _, err := NewScheduler(context.Background(), "not a schedule", nil); err == nil {
		t.Fatal("expected parse error")
	}
	c, err = NewScheduler(context.Background(), "*/5 * * * *", nil, NewJob(seedLegacy(t, 1), store.NewInMemoryRepository(store.KindLesson), 0, nil))
	if err != nil || c == nil {
		t.Fatalf("expected scheduler: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one entry, got %d", len(c.Entries()))
	}
}

func TestJob_DuplicateCommentsCopyNewestStatus(t *testing.T) {
	gdb, err := db.OpenLegacySQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := store.EnsureCommentsSchema(gdb, "wp_"); err != nil {
		t.Fatalf("schema: %v", err)
	}
	for i, st := range []store.Status{store.StatusInProgress, store.StatusPassed} {
		date := t0.Add(time.Duration(i) * time.Hour)
		row := map[string]any{
			"comment_post_ID": int64(42), "user_id": int64(7), "comment_type": "sensei_lesson_status",
			"comment_approved": string(st), "comment_author": "", "comment_content": "", "comment_agent": "host",
			"comment_date": date, "comment_date_gmt": date,
		}
		if err := gdb.Table("wp_comments").Create(row).Error; err != nil {
			t.Fatalf("insert comment: %v", err)
		}
	}

	legacy := store.NewCommentsRepository(gdb, store.KindLesson, "wp_")
	modern := store.NewInMemoryRepository(store.KindLesson)
	ctx := context.Background()

	st, err := NewJob(legacy, modern, 1, nil).Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if st.Copied != 1 {
		t.Fatalf("expected one copied record, got %+v", st)
	}

	agg := store.NewAggregateRepository(store.KindLesson, legacy, modern, true)
	got, ok, err := agg.Get(ctx, 7, 42)
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.Status != store.StatusPassed {
		t.Fatalf("migration copied a superseded comment: %q", got.Status)
	}
}
