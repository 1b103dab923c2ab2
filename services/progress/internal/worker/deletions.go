package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/lms-platform/internal/platform/events"
	"github.com/example/lms-platform/services/progress/internal/idempotency"
	"github.com/example/lms-platform/services/progress/internal/store"
)

// ContentDeletedEvent is published by the host when a course or lesson is removed.
// An empty Kind clears progress of both kinds for the content id.
type ContentDeletedEvent struct {
	EventID   string `json:"event_id"`
	Kind      string `json:"kind"`
	ContentID int64  `json:"content_id"`
}

// LearnerDeletedEvent is published by the host when a user account is removed.
type LearnerDeletedEvent struct {
	EventID   string `json:"event_id"`
	LearnerID int64  `json:"learner_id"`
}

// ErrMalformed marks payloads that can never be applied. They are acked, not retried.
var ErrMalformed = errors.New("malformed event")

// Repositories resolves the repository for a content kind. *store.Factory satisfies it.
type Repositories interface {
	For(kind store.Kind) store.Repository
}

var allKinds = []store.Kind{store.KindCourse, store.KindLesson}

// Handler applies deletion events to the progress repositories.
type Handler struct {
	repos Repositories
	idem  idempotency.Store
	log   *zap.Logger
}

func NewHandler(repos Repositories, idem idempotency.Store, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{repos: repos, idem: idem, log: log}
}

// Handle decodes and applies one message. A nil error or ErrMalformed means ack;
// anything else means the message should be redelivered.
func (h *Handler) Handle(ctx context.Context, subject string, data []byte) error {
	switch subject {
	case events.SubjectContentDeleted:
		var ev ContentDeletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.ContentID <= 0 {
			return fmt.Errorf("%w: content_id must be positive", ErrMalformed)
		}
		kinds := allKinds
		if ev.Kind != "" {
			k, err := store.ParseKind(ev.Kind)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			kinds = []store.Kind{k}
		}
		return h.once(ctx, ev.EventID, func(ctx context.Context) error {
			for _, k := range kinds {
				if err := h.repos.For(k).DeleteForContent(ctx, ev.ContentID); err != nil {
					return err
				}
			}
			h.log.Info("content progress deleted", zap.Int64("content_id", ev.ContentID), zap.String("kind", ev.Kind))
			return nil
		})

	case events.SubjectLearnerDeleted:
		var ev LearnerDeletedEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if ev.LearnerID <= 0 {
			return fmt.Errorf("%w: learner_id must be positive", ErrMalformed)
		}
		return h.once(ctx, ev.EventID, func(ctx context.Context) error {
			for _, k := range allKinds {
				if err := h.repos.For(k).DeleteForLearner(ctx, ev.LearnerID); err != nil {
					return err
				}
			}
			h.log.Info("learner progress deleted", zap.Int64("learner_id", ev.LearnerID))
			return nil
		})
	}
	return fmt.Errorf("%w: unexpected subject %q", ErrMalformed, subject)
}

// once runs apply unless eventID was already processed. A failed apply releases
// the id so the redelivery is not dropped as a duplicate.
func (h *Handler) once(ctx context.Context, eventID string, apply func(context.Context) error) error {
	if eventID == "" || h.idem == nil {
		return apply(ctx)
	}
	dup, err := h.idem.Check(ctx, eventID)
	if err != nil {
		return fmt.Errorf("idempotency check: %w", err)
	}
	if dup {
		h.log.Debug("duplicate event skipped", zap.String("event_id", eventID))
		return nil
	}
	if err := apply(ctx); err != nil {
		if rerr := h.idem.Release(ctx, eventID); rerr != nil {
			h.log.Warn("idempotency release failed", zap.String("event_id", eventID), zap.Error(rerr))
		}
		return err
	}
	return nil
}
