package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/lms-platform/internal/platform/events"
	"github.com/example/lms-platform/services/progress/internal/store"
)

// Repositories resolves the repository for a content kind. *store.Factory satisfies it.
type Repositories interface {
	For(kind store.Kind) store.Repository
}

// ProgressService implements ProgressServer. Callers are trusted platform services
// and name the learner explicitly.
type ProgressService struct {
	Repos  Repositories
	Events *events.Publisher
	Log    *zap.Logger
	Now    func() time.Time
}

type key struct {
	kind      store.Kind
	learnerID int64
	contentID int64
}

func (s *ProgressService) GetProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	k, err := parseKey(in)
	if err != nil {
		return nil, err
	}
	rec, found, err := s.Repos.For(k.kind).Get(ctx, k.learnerID, k.contentID)
	if err != nil {
		return nil, s.storeErr(err)
	}
	if !found {
		return nil, errNotFound("NOT_FOUND", "no progress recorded")
	}
	return recordStruct(rec)
}

func (s *ProgressService) SaveProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	k, err := parseKey(in)
	if err != nil {
		return nil, err
	}
	f := in.GetFields()
	status := store.Status(f["status"].GetStringValue())
	if status == "" {
		return nil, errInvalidArgument("MISSING_STATUS", "status is required", map[string]string{"status": "required"})
	}
	startedAt, err := timeField(f, "started_at")
	if err != nil {
		return nil, err
	}
	completedAt, err := timeField(f, "completed_at")
	if err != nil {
		return nil, err
	}
	if completedAt != nil && !status.Finished() {
		return nil, errInvalidArgument("INVALID_RECORD", "completed_at requires a finished status",
			map[string]string{"completed_at": "requires a finished status"})
	}
	if status.Finished() && completedAt == nil {
		now := s.now()
		completedAt = &now
	}

	rec := store.ProgressRecord{
		Kind:        k.kind,
		LearnerID:   k.learnerID,
		ContentID:   k.contentID,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: completedAt,
	}
	if err := rec.Validate(); err != nil {
		return nil, errInvalidArgument("INVALID_RECORD", err.Error(), nil)
	}
	saved, err := s.Repos.For(k.kind).Save(ctx, rec)
	if err != nil {
		return nil, s.storeErr(err)
	}
	s.Events.Publish(events.SubjectProgressSaved, "progress_saved", saved.LearnerID, map[string]any{
		"kind":       string(saved.Kind),
		"content_id": saved.ContentID,
		"status":     string(saved.Status),
	})
	return recordStruct(saved)
}

func (s *ProgressService) DeleteProgress(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	k, err := parseKey(in)
	if err != nil {
		return nil, err
	}
	if err := s.Repos.For(k.kind).Delete(ctx, k.learnerID, k.contentID); err != nil {
		return nil, s.storeErr(err)
	}
	s.Events.Publish(events.SubjectProgressDeleted, "progress_deleted", k.learnerID, map[string]any{
		"kind":       string(k.kind),
		"content_id": k.contentID,
	})
	return &structpb.Struct{Fields: map[string]*structpb.Value{}}, nil
}

func (s *ProgressService) storeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrInvalidRecord):
		return errInvalidArgument("INVALID_RECORD", err.Error(), nil)
	case store.IsStorageError(err):
		s.log().Error("progress storage failure", zap.Error(err))
		return errUnavailable("STORAGE_UNAVAILABLE", "progress storage unavailable")
	default:
		s.log().Error("progress call failed", zap.Error(err))
		return errInternal("INTERNAL", "internal error")
	}
}

func (s *ProgressService) log() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *ProgressService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func parseKey(in *structpb.Struct) (key, error) {
	f := in.GetFields()
	violations := map[string]string{}

	kind, err := store.ParseKind(f["kind"].GetStringValue())
	if err != nil {
		violations["kind"] = "must be course or lesson"
	}
	learnerID, ok := idField(f, "learner_id")
	if !ok {
		violations["learner_id"] = "must be a positive integer"
	}
	contentID, ok := idField(f, "content_id")
	if !ok {
		violations["content_id"] = "must be a positive integer"
	}
	if len(violations) > 0 {
		return key{}, errInvalidArgument("INVALID_KEY", "invalid progress key", violations)
	}
	return key{kind: kind, learnerID: learnerID, contentID: contentID}, nil
}

// idField reads a positive integral number. Struct numbers are float64, exact up to 2^53.
func idField(f map[string]*structpb.Value, name string) (int64, bool) {
	v, ok := f[name].GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	n := v.NumberValue
	if n <= 0 || n != math.Trunc(n) || n > 1<<53 {
		return 0, false
	}
	return int64(n), true
}

func timeField(f map[string]*structpb.Value, name string) (*time.Time, error) {
	v, ok := f[name]
	if !ok {
		return nil, nil
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v.GetStringValue())
	if err != nil {
		return nil, errInvalidArgument("INVALID_TIME", fmt.Sprintf("%s must be RFC3339", name), map[string]string{name: "rfc3339"})
	}
	t = t.UTC()
	return &t, nil
}

func recordStruct(rec store.ProgressRecord) (*structpb.Struct, error) {
	m := map[string]any{
		"id":         float64(rec.ID),
		"kind":       string(rec.Kind),
		"learner_id": float64(rec.LearnerID),
		"content_id": float64(rec.ContentID),
		"status":     string(rec.Status),
		"updated_at": rec.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if rec.StartedAt != nil {
		m["started_at"] = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	if rec.CompletedAt != nil {
		m["completed_at"] = rec.CompletedAt.UTC().Format(time.RFC3339)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, errInternal("ENCODE", err.Error())
	}
	return out, nil
}
