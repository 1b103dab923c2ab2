package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/example/lms-platform/internal/platform/api"
	"github.com/example/lms-platform/internal/platform/auth"
	"github.com/example/lms-platform/internal/platform/events"
	"github.com/example/lms-platform/internal/platform/httpserver"
	"github.com/example/lms-platform/services/progress/internal/store"
)

// Repositories resolves the repository for a content kind. *store.Factory satisfies it.
type Repositories interface {
	For(kind store.Kind) store.Repository
}

type updateProgressRequest struct {
	Status      string     `json:"status" validate:"required,oneof=not-started in-progress complete passed failed graded ungraded"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type Handler struct {
	repos    Repositories
	events   *events.Publisher
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func New(repos Repositories, pub *events.Publisher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		repos:    repos,
		events:   pub,
		log:      log,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Mount registers the progress routes. Every route needs a learner token;
// the /v1/admin routes also need role=admin.
func (h *Handler) Mount(r chi.Router, verifier auth.JWTVerifier) {
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireUser(verifier))
		r.Get("/v1/progress/{kind}/{content_id}", h.GetProgress)
		r.Post("/v1/progress/{kind}/{content_id}/start", h.StartProgress)
		r.Put("/v1/progress/{kind}/{content_id}", h.UpdateProgress)
		r.Delete("/v1/progress/{kind}/{content_id}", h.DeleteProgress)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin)
			r.Delete("/v1/admin/learners/{learner_id}/progress/{kind}/{content_id}", h.AdminResetProgress)
			r.Delete("/v1/admin/content/{kind}/{content_id}/progress", h.AdminResetContent)
			r.Delete("/v1/admin/learners/{learner_id}/progress", h.AdminResetLearner)
		})
	})
}

// GetProgress handles GET /v1/progress/{kind}/{content_id}
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	learnerID, repo, contentID, ok := h.target(w, r)
	if !ok {
		return
	}

	rec, found, err := repo.Get(r.Context(), learnerID, contentID)
	if err != nil {
		h.writeStoreError(w, rid, err)
		return
	}
	if !found {
		api.NotFound(w, "NOT_FOUND", "no progress recorded", rid)
		return
	}
	api.WriteJSON(w, http.StatusOK, rec)
}

// StartProgress handles POST /v1/progress/{kind}/{content_id}/start
func (h *Handler) StartProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	learnerID, repo, contentID, ok := h.target(w, r)
	if !ok {
		return
	}

	existing, found, err := repo.Get(r.Context(), learnerID, contentID)
	if err != nil {
		h.writeStoreError(w, rid, err)
		return
	}
	if found {
		api.WriteJSON(w, http.StatusOK, existing)
		return
	}

	kind, _ := store.ParseKind(chi.URLParam(r, "kind"))
	saved, err := repo.Save(r.Context(), store.NewRecord(kind, learnerID, contentID, h.now()))
	if err != nil {
		h.writeStoreError(w, rid, err)
		return
	}
	h.publishSaved(saved)
	api.WriteJSON(w, http.StatusCreated, saved)
}

// UpdateProgress handles PUT /v1/progress/{kind}/{content_id}
func (h *Handler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	learnerID, repo, contentID, ok := h.target(w, r)
	if !ok {
		return
	}

	var req updateProgressRequest
	if err := api.DecodeJSON(w, r, &req); err != nil {
		api.BadRequest(w, "INVALID_JSON", "invalid JSON", rid, nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		api.BadRequest(w, "VALIDATION_FAILED", "request failed validation", rid, validationDetails(err))
		return
	}
	status := store.Status(req.Status)
	if req.CompletedAt != nil && !status.Finished() {
		api.BadRequest(w, "INVALID_RECORD", "completed_at requires a finished status", rid, nil)
		return
	}

	existing, found, err := repo.Get(r.Context(), learnerID, contentID)
	if err != nil {
		h.writeStoreError(w, rid, err)
		return
	}

	now := h.now().UTC()
	rec := store.ProgressRecord{LearnerID: learnerID, ContentID: contentID, Status: status}
	switch {
	case req.StartedAt != nil:
		rec.StartedAt = utc(req.StartedAt)
	case status == store.StatusNotStarted:
	case found && existing.StartedAt != nil:
		rec.StartedAt = existing.StartedAt
	default:
		rec.StartedAt = &now
	}
	if status.Finished() {
		rec.CompletedAt = utc(req.CompletedAt)
		if rec.CompletedAt == nil {
			rec.CompletedAt = &now
		}
	}

	saved, err := repo.Save(r.Context(), rec)
	if err != nil {
		h.writeStoreError(w, rid, err)
		return
	}
	h.publishSaved(saved)
	api.WriteJSON(w, http.StatusOK, saved)
}

// DeleteProgress handles DELETE /v1/progress/{kind}/{content_id}
func (h *Handler) DeleteProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	learnerID, repo, contentID, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := repo.Delete(r.Context(), learnerID, contentID); err != nil {
		h.writeStoreError(w, rid, err)
		return
	}
	h.publishDeleted(learnerID, map[string]any{"kind": chi.URLParam(r, "kind"), "content_id": contentID})
	w.WriteHeader(http.StatusNoContent)
}

// AdminResetProgress handles DELETE /v1/admin/learners/{learner_id}/progress/{kind}/{content_id}
func (h *Handler) AdminResetProgress(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	learnerID, ok := pathID(w, r, "learner_id", rid)
	if !ok {
		return
	}
	repo, ok := h.repoFor(w, r, rid)
	if !ok {
		return
	}
	contentID, ok := pathID(w, r, "content_id", rid)
	if !ok {
		return
	}
	if err := repo.Delete(r.Context(), learnerID, contentID); err != nil {
		h.writeStoreError(w, rid, err)
		return
	}
	h.publishDeleted(learnerID, map[string]any{"kind": chi.URLParam(r, "kind"), "content_id": contentID, "reset": true})
	w.WriteHeader(http.StatusNoContent)
}

// AdminResetContent handles DELETE /v1/admin/content/{kind}/{content_id}/progress
func (h *Handler) AdminResetContent(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	repo, ok := h.repoFor(w, r, rid)
	if !ok {
		return
	}
	contentID, ok := pathID(w, r, "content_id", rid)
	if !ok {
		return
	}
	if err := repo.DeleteForContent(r.Context(), contentID); err != nil {
		h.writeStoreError(w, rid, err)
		return
	}
	h.publishDeleted(0, map[string]any{"kind": chi.URLParam(r, "kind"), "content_id": contentID, "reset": true})
	w.WriteHeader(http.StatusNoContent)
}

// AdminResetLearner handles DELETE /v1/admin/learners/{learner_id}/progress
func (h *Handler) AdminResetLearner(w http.ResponseWriter, r *http.Request) {
	rid := httpserver.RequestIDFromContext(r.Context())
	learnerID, ok := pathID(w, r, "learner_id", rid)
	if !ok {
		return
	}
	for _, k := range []store.Kind{store.KindCourse, store.KindLesson} {
		if err := h.repos.For(k).DeleteForLearner(r.Context(), learnerID); err != nil {
			h.writeStoreError(w, rid, err)
			return
		}
	}
	h.publishDeleted(learnerID, map[string]any{"reset": true})
	w.WriteHeader(http.StatusNoContent)
}

// target resolves the caller's learner id, the kind repository and the content id.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (int64, store.Repository, int64, bool) {
	rid := httpserver.RequestIDFromContext(r.Context())
	learnerID, ok := auth.LearnerIDFromContext(r.Context())
	if !ok {
		api.Unauthorized(w, "UNAUTHORIZED", "authentication required", rid)
		return 0, nil, 0, false
	}
	repo, ok := h.repoFor(w, r, rid)
	if !ok {
		return 0, nil, 0, false
	}
	contentID, ok := pathID(w, r, "content_id", rid)
	if !ok {
		return 0, nil, 0, false
	}
	return learnerID, repo, contentID, true
}

func (h *Handler) repoFor(w http.ResponseWriter, r *http.Request, rid string) (store.Repository, bool) {
	kind, err := store.ParseKind(strings.TrimSpace(chi.URLParam(r, "kind")))
	if err != nil {
		api.BadRequest(w, "INVALID_KIND", "kind must be course or lesson", rid, nil)
		return nil, false
	}
	return h.repos.For(kind), true
}

func pathID(w http.ResponseWriter, r *http.Request, name, rid string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(chi.URLParam(r, name)), 10, 64)
	if err != nil || id <= 0 {
		api.BadRequest(w, "INVALID_ID", name+" must be a positive integer", rid, nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, rid string, err error) {
	switch {
	case errors.Is(err, store.ErrInvalidRecord):
		api.BadRequest(w, "INVALID_RECORD", err.Error(), rid, nil)
	case store.IsStorageError(err):
		h.log.Error("progress storage failure", zap.String("request_id", rid), zap.Error(err))
		api.Unavailable(w, "STORAGE_UNAVAILABLE", "progress storage unavailable", rid)
	default:
		h.log.Error("progress request failed", zap.String("request_id", rid), zap.Error(err))
		api.Internal(w, rid)
	}
}

func (h *Handler) publishSaved(rec store.ProgressRecord) {
	h.events.Publish(events.SubjectProgressSaved, "progress_saved", rec.LearnerID, map[string]any{
		"kind":       string(rec.Kind),
		"content_id": rec.ContentID,
		"status":     string(rec.Status),
	})
}

func (h *Handler) publishDeleted(learnerID int64, props map[string]any) {
	h.events.Publish(events.SubjectProgressDeleted, "progress_deleted", learnerID, props)
}

func validationDetails(err error) map[string]any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make(map[string]any, len(verrs))
	for _, fe := range verrs {
		out[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return out
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
