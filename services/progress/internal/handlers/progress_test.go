package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/example/lms-platform/internal/platform/api"
	"github.com/example/lms-platform/internal/platform/auth"
	"github.com/example/lms-platform/internal/platform/httpserver"
	"github.com/example/lms-platform/services/progress/internal/store"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

var fixedNow = time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

type backends struct {
	legacy map[store.Kind]*store.InMemoryRepository
	modern map[store.Kind]*store.InMemoryRepository
}

func newBackends() *backends {
	b := &backends{legacy: map[store.Kind]*store.InMemoryRepository{}, modern: map[store.Kind]*store.InMemoryRepository{}}
	for _, k := range []store.Kind{store.KindCourse, store.KindLesson} {
		b.legacy[k] = store.NewInMemoryRepository(k)
		b.modern[k] = store.NewInMemoryRepository(k)
	}
	return b
}

func (b *backends) factory() *store.Factory {
	return store.NewFactoryFromBackends(store.Backends{
		Legacy: func(k store.Kind) store.Repository { return b.legacy[k] },
		Modern: func(k store.Kind) store.Repository { return b.modern[k] },
	}, store.FactoryOptions{})
}

func newTestRouter(repos Repositories) chi.Router {
	h := New(repos, nil, nil)
	h.now = func() time.Time { return fixedNow }
	r := chi.NewRouter()
	httpserver.SetupRouter(r)
	h.Mount(r, auth.JWTVerifier{Secret: testSecret})
	return r
}

func token(learnerID int64, role string) string {
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(learnerID, 10),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	}
	signed, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	return signed
}

func do(r http.Handler, method, url, body, tok string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, url, nil)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeRecord(t *testing.T, rr *httptest.ResponseRecorder) store.ProgressRecord {
	t.Helper()
	var rec store.ProgressRecord
	if err := json.NewDecoder(rr.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) api.APIError {
	t.Helper()
	var body api.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.Error
}

func TestStartThenGet(t *testing.T) {
	r := newTestRouter(newBackends().factory())
	tok := token(1, "")

	if rr := do(r, http.MethodGet, "/v1/progress/lesson/42", "", tok); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before start, got %d", rr.Code)
	}

	rr := do(r, http.MethodPost, "/v1/progress/lesson/42/start", "", tok)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	rec := decodeRecord(t, rr)
	if rec.Status != store.StatusInProgress || rec.StartedAt == nil || !rec.StartedAt.Equal(fixedNow) || rec.CompletedAt != nil {
		t.Fatalf("unexpected started record: %+v", rec)
	}

	if rr := do(r, http.MethodPost, "/v1/progress/lesson/42/start", "", tok); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for existing progress, got %d", rr.Code)
	}

	rr = do(r, http.MethodGet, "/v1/progress/lesson/42", "", tok)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decodeRecord(t, rr); got.LearnerID != 1 || got.ContentID != 42 || got.Kind != store.KindLesson {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestGet_FallsBackToLegacy(t *testing.T) {
	b := newBackends()
	completed := fixedNow
	_, _ = b.legacy[store.KindCourse].Save(context.Background(), store.ProgressRecord{
		LearnerID: 2, ContentID: 43, Status: store.StatusComplete, CompletedAt: &completed,
	})
	r := newTestRouter(b.factory())

	rr := do(r, http.MethodGet, "/v1/progress/course/43", "", token(2, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := decodeRecord(t, rr); got.Status != store.StatusComplete {
		t.Fatalf("expected complete, got %q", got.Status)
	}
}

func TestRequiresAuthentication(t *testing.T) {
	r := newTestRouter(newBackends().factory())
	if rr := do(r, http.MethodGet, "/v1/progress/lesson/42", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestInvalidPath(t *testing.T) {
	r := newTestRouter(newBackends().factory())
	tok := token(1, "")

	rr := do(r, http.MethodGet, "/v1/progress/quiz/42", "", tok)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Code != "INVALID_KIND" {
		t.Fatalf("expected INVALID_KIND, got %d", rr.Code)
	}
	rr = do(r, http.MethodGet, "/v1/progress/lesson/abc", "", tok)
	if rr.Code != http.StatusBadRequest || decodeError(t, rr).Code != "INVALID_ID" {
		t.Fatalf("expected INVALID_ID, got %d", rr.Code)
	}
}

func TestUpdate_CompleteKeepsStart(t *testing.T) {
	b := newBackends()
	r := newTestRouter(b.factory())
	tok := token(1, "")

	do(r, http.MethodPost, "/v1/progress/lesson/42/start", "", tok)
	rr := do(r, http.MethodPut, "/v1/progress/lesson/42", `{"status":"passed","completed_at":"2026-01-05T10:00:00Z"}`, tok)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rec := decodeRecord(t, rr)
	if rec.Status != store.StatusPassed || !rec.StartedAt.Equal(fixedNow) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected completed_at: %v", rec.CompletedAt)
	}

	mirrored, ok, _ := b.legacy[store.KindLesson].Get(context.Background(), 1, 42)
	if !ok || mirrored.Status != store.StatusPassed {
		t.Fatalf("update was not mirrored to legacy: %+v", mirrored)
	}
}

func TestUpdate_FinishedDefaultsCompletedAt(t *testing.T) {
	r := newTestRouter(newBackends().factory())
	rr := do(r, http.MethodPut, "/v1/progress/course/7", `{"status":"complete"}`, token(1, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	rec := decodeRecord(t, rr)
	if rec.CompletedAt == nil || !rec.CompletedAt.Equal(fixedNow) || rec.StartedAt == nil {
		t.Fatalf("expected timestamps defaulted to now: %+v", rec)
	}
}

func TestUpdate_Rejections(t *testing.T) {
	r := newTestRouter(newBackends().factory())
	tok := token(1, "")
	cases := []struct {
		name, url, body, code string
	}{
		{"unknown status", "/v1/progress/lesson/1", `{"status":"archived"}`, "VALIDATION_FAILED"},
		{"missing status", "/v1/progress/lesson/1", `{}`, "VALIDATION_FAILED"},
		{"bad json", "/v1/progress/lesson/1", `{`, "INVALID_JSON"},
		{"unknown field", "/v1/progress/lesson/1", `{"status":"complete","grade":5}`, "INVALID_JSON"},
		{"status not allowed for course", "/v1/progress/course/1", `{"status":"passed"}`, "INVALID_RECORD"},
		{"completed while in progress", "/v1/progress/lesson/1", `{"status":"in-progress","completed_at":"2026-01-05T10:00:00Z"}`, "INVALID_RECORD"},
		{"completed before start", "/v1/progress/lesson/1", `{"status":"complete","started_at":"2026-01-05T10:00:00Z","completed_at":"2026-01-05T09:00:00Z"}`, "INVALID_RECORD"},
	}
	for _, tc := range cases {
		rr := do(r, http.MethodPut, tc.url, tc.body, tok)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, rr.Code)
		}
		if got := decodeError(t, rr); got.Code != tc.code {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.code, got.Code)
		}
	}
}

func TestUpdate_ValidationDetails(t *testing.T) {
	r := newTestRouter(newBackends().factory())
	rr := do(r, http.MethodPut, "/v1/progress/lesson/1", `{"status":"archived"}`, token(1, ""))
	if got := decodeError(t, rr); got.Details["status"] != "oneof" {
		t.Fatalf("expected status=oneof detail, got %v", got.Details)
	}
}

func TestDelete(t *testing.T) {
	b := newBackends()
	r := newTestRouter(b.factory())
	tok := token(1, "")

	do(r, http.MethodPost, "/v1/progress/lesson/42/start", "", tok)
	if rr := do(r, http.MethodDelete, "/v1/progress/lesson/42", "", tok); rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if rr := do(r, http.MethodGet, "/v1/progress/lesson/42", "", tok); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rr.Code)
	}
	if b.legacy[store.KindLesson].Len() != 0 || b.modern[store.KindLesson].Len() != 0 {
		t.Fatal("record survived in a backend")
	}
	if rr := do(r, http.MethodDelete, "/v1/progress/lesson/42", "", tok); rr.Code != http.StatusNoContent {
		t.Fatalf("second delete should still be 204, got %d", rr.Code)
	}
}

func TestAdmin_RequiresRole(t *testing.T) {
	r := newTestRouter(newBackends().factory())
	if rr := do(r, http.MethodDelete, "/v1/admin/learners/1/progress", "", token(1, "")); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestAdmin_Resets(t *testing.T) {
	b := newBackends()
	r := newTestRouter(b.factory())
	for _, learner := range []int64{1, 2} {
		tok := token(learner, "")
		do(r, http.MethodPost, "/v1/progress/lesson/10/start", "", tok)
		do(r, http.MethodPost, "/v1/progress/lesson/11/start", "", tok)
		do(r, http.MethodPost, "/v1/progress/course/5/start", "", tok)
	}
	admin := token(99, auth.RoleAdmin)

	if rr := do(r, http.MethodDelete, "/v1/admin/learners/1/progress/lesson/11", "", admin); rr.Code != http.StatusNoContent {
		t.Fatalf("reset one: expected 204, got %d", rr.Code)
	}
	if b.modern[store.KindLesson].Len() != 3 {
		t.Fatalf("expected 3 lesson records, got %d", b.modern[store.KindLesson].Len())
	}

	if rr := do(r, http.MethodDelete, "/v1/admin/content/lesson/10/progress", "", admin); rr.Code != http.StatusNoContent {
		t.Fatalf("reset content: expected 204, got %d", rr.Code)
	}
	if b.modern[store.KindLesson].Len() != 1 || b.legacy[store.KindLesson].Len() != 1 {
		t.Fatalf("expected only (2,11) left in both backends")
	}

	if rr := do(r, http.MethodDelete, "/v1/admin/learners/2/progress", "", admin); rr.Code != http.StatusNoContent {
		t.Fatalf("reset learner: expected 204, got %d", rr.Code)
	}
	if b.modern[store.KindLesson].Len() != 0 || b.modern[store.KindCourse].Len() != 1 {
		t.Fatalf("learner reset left wrong records: lessons=%d courses=%d",
			b.modern[store.KindLesson].Len(), b.modern[store.KindCourse].Len())
	}
	if _, ok, _ := b.modern[store.KindCourse].Get(context.Background(), 1, 5); !ok {
		t.Fatal("learner 1 course progress was removed")
	}
}

type downRepository struct{ store.Repository }

func (downRepository) Get(context.Context, int64, int64) (store.ProgressRecord, bool, error) {
	return store.ProgressRecord{}, false, &store.StorageError{Backend: store.BackendTables, Op: "get", Err: errors.New("down")}
}

func TestStorageFailureIs503(t *testing.T) {
	b := newBackends()
	f := store.NewFactoryFromBackends(store.Backends{
		Legacy: func(k store.Kind) store.Repository { return b.legacy[k] },
		Modern: func(k store.Kind) store.Repository { return downRepository{b.modern[k]} },
	}, store.FactoryOptions{})
	r := newTestRouter(f)

	rr := do(r, http.MethodGet, "/v1/progress/lesson/1", "", token(1, ""))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if got := decodeError(t, rr); got.Code != "STORAGE_UNAVAILABLE" || got.RequestID == "" {
		t.Fatalf("unexpected error body: %+v", got)
	}
}

var _ Repositories = (*store.Factory)(nil)
