package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/lms-platform/services/progress/internal/store"
)

var fixedNow = time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

type memRepos map[store.Kind]store.Repository

func (m memRepos) For(k store.Kind) store.Repository { return m[k] }

func newRepos() memRepos {
	return memRepos{
		store.KindCourse: store.NewInMemoryRepository(store.KindCourse),
		store.KindLesson: store.NewInMemoryRepository(store.KindLesson),
	}
}

func newService(repos Repositories) *ProgressService {
	return &ProgressService{Repos: repos, Now: func() time.Time { return fixedNow }}
}

// dial starts an in-process server and returns a client connected to it.
func dial(t *testing.T, srv ProgressServer, opts ...grpc.ServerOption) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer(opts...)
	RegisterProgressServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewClient(conn)
}

func TestSaveThenGet(t *testing.T) {
	c := dial(t, newService(newRepos()))
	ctx := context.Background()
	started := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)

	saved, err := c.Save(ctx, store.ProgressRecord{Kind: store.KindLesson, LearnerID: 1, ContentID: 42, Status: store.StatusInProgress, StartedAt: &started})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == 0 || saved.Status != store.StatusInProgress {
		t.Fatalf("unexpected saved record: %+v", saved)
	}

	got, err := c.Get(ctx, store.KindLesson, 1, 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LearnerID != 1 || got.ContentID != 42 || got.Kind != store.KindLesson {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.StartedAt == nil || !got.StartedAt.Equal(started) || got.CompletedAt != nil {
		t.Fatalf("unexpected timestamps: %+v", got)
	}
}

func TestSave_FinishedDefaultsCompletedAt(t *testing.T) {
	c := dial(t, newService(newRepos()))
	got, err := c.Save(context.Background(), store.ProgressRecord{Kind: store.KindCourse, LearnerID: 1, ContentID: 2, Status: store.StatusComplete})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(fixedNow) {
		t.Fatalf("expected completed_at %s, got %v", fixedNow, got.CompletedAt)
	}
}

func TestGet_NotFound(t *testing.T) {
	c := dial(t, newService(newRepos()))
	_, err := c.Get(context.Background(), store.KindCourse, 1, 2)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	c := dial(t, newService(newRepos()))
	ctx := context.Background()
	if _, err := c.Save(ctx, store.ProgressRecord{Kind: store.KindLesson, LearnerID: 1, ContentID: 42, Status: store.StatusUngraded}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := c.Delete(ctx, store.KindLesson, 1, 42); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := c.Delete(ctx, store.KindLesson, 1, 42); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := c.Get(ctx, store.KindLesson, 1, 42); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestInvalidKeyHasFieldViolations(t *testing.T) {
	svc := newService(newRepos())
	in, _ := structpb.NewStruct(map[string]any{"kind": "quiz", "learner_id": 1.5, "content_id": 3.0})

	_, err := svc.GetProgress(context.Background(), in)
	st := status.Convert(err)
	if st.Code() != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
	fields := map[string]bool{}
	var reason, domain string
	for _, d := range st.Details() {
		switch v := d.(type) {
		case *errdetails.BadRequest:
			for _, fv := range v.GetFieldViolations() {
				fields[fv.GetField()] = true
			}
		case *errdetails.ErrorInfo:
			reason, domain = v.GetReason(), v.GetDomain()
		}
	}
	if !fields["kind"] || !fields["learner_id"] || fields["content_id"] {
		t.Fatalf("unexpected field violations: %v", fields)
	}
	if reason != "INVALID_KEY" || domain != "progress" {
		t.Fatalf("unexpected error info: %s/%s", reason, domain)
	}
}

func TestSave_Rejections(t *testing.T) {
	svc := newService(newRepos())
	cases := map[string]map[string]any{
		"missing status":    {"kind": "lesson", "learner_id": 1.0, "content_id": 2.0},
		"status for course": {"kind": "course", "learner_id": 1.0, "content_id": 2.0, "status": "failed"},
		"bad started_at":    {"kind": "lesson", "learner_id": 1.0, "content_id": 2.0, "status": "in-progress", "started_at": "yesterday"},
		"negative content":  {"kind": "lesson", "learner_id": 1.0, "content_id": -2.0, "status": "in-progress"},
		"completed while in progress": {
			"kind": "lesson", "learner_id": 1.0, "content_id": 2.0, "status": "in-progress",
			"completed_at": "2026-01-05T10:00:00Z",
		},
		"completed before start": {
			"kind": "lesson", "learner_id": 1.0, "content_id": 2.0, "status": "passed",
			"started_at": "2026-01-05T10:00:00Z", "completed_at": "2026-01-05T09:00:00Z",
		},
	}
	for name, fields := range cases {
		in, err := structpb.NewStruct(fields)
		if err != nil {
			t.Fatalf("%s: struct: %v", name, err)
		}
		if _, err := svc.SaveProgress(context.Background(), in); status.Code(err) != codes.InvalidArgument {
			t.Fatalf("%s: expected InvalidArgument, got %v", name, err)
		}
	}
}

type downRepository struct{ store.Repository }

func (downRepository) Save(context.Context, store.ProgressRecord) (store.ProgressRecord, error) {
	return store.ProgressRecord{}, &store.StorageError{Backend: store.BackendTables, Op: "save", Err: errors.New("down")}
}

func TestStorageFailureIsUnavailable(t *testing.T) {
	repos := memRepos{store.KindLesson: downRepository{store.NewInMemoryRepository(store.KindLesson)}}
	c := dial(t, newService(repos))
	_, err := c.Save(context.Background(), store.ProgressRecord{Kind: store.KindLesson, LearnerID: 1, ContentID: 2, Status: store.StatusInProgress})
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}

func TestUnaryLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	c := dial(t, newService(newRepos()), grpc.UnaryInterceptor(UnaryLogging(zap.New(core))))

	_, _ = c.Get(context.Background(), store.KindLesson, 1, 1)

	entries := logs.FilterMessage("grpc request").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["method"] != "/progress.v1.ProgressService/GetProgress" || ctx["code"] != codes.NotFound.String() {
		t.Fatalf("unexpected log fields: %v", ctx)
	}
}

func TestServiceWithFactory(t *testing.T) {
	var _ Repositories = (*store.Factory)(nil)
	var _ ProgressServer = (*ProgressService)(nil)
}
