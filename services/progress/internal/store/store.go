package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind is the type of content a progress record tracks.
type Kind string

const (
	KindCourse Kind = "course"
	KindLesson Kind = "lesson"
)

// ParseKind accepts "course" or "lesson".
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCourse, KindLesson:
		return k, nil
	}
	return "", fmt.Errorf("unknown progress kind %q", s)
}

// Status is a learner's state against one content item.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusPassed     Status = "passed"
	StatusFailed     Status = "failed"
	StatusGraded     Status = "graded"
	StatusUngraded   Status = "ungraded" // quiz submitted, awaiting grading
)

// Finished reports whether s ends the learner's attempt.
func (s Status) Finished() bool {
	switch s {
	case StatusComplete, StatusPassed, StatusFailed, StatusGraded:
		return true
	}
	return false
}

// Allows reports whether s is a valid status for content of kind k.
func (k Kind) Allows(s Status) bool {
	switch k {
	case KindCourse:
		return s == StatusNotStarted || s == StatusInProgress || s == StatusComplete
	case KindLesson:
		switch s {
		case StatusNotStarted, StatusInProgress, StatusComplete, StatusPassed,
			StatusFailed, StatusGraded, StatusUngraded:
			return true
		}
	}
	return false
}

// ProgressRecord is one learner's progress against one course or lesson.
// ID is backend specific: the comment id in the legacy tables, the row id in lms_progress.
type ProgressRecord struct {
	ID          int64      `json:"id"`
	Kind        Kind       `json:"kind"`
	LearnerID   int64      `json:"learner_id"`
	ContentID   int64      `json:"content_id"`
	Status      Status     `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewRecord returns an in-progress record started at the given time.
func NewRecord(kind Kind, learnerID, contentID int64, at time.Time) ProgressRecord {
	started := at.UTC()
	return ProgressRecord{
		Kind:      kind,
		LearnerID: learnerID,
		ContentID: contentID,
		Status:    StatusInProgress,
		StartedAt: &started,
	}
}

// ErrInvalidRecord is returned before any backend is touched.
var ErrInvalidRecord = errors.New("invalid progress record")

// Validate checks ids, the status against the kind, and the timestamps:
// completed_at is set exactly when the status is finished and is not before started_at.
func (r ProgressRecord) Validate() error {
	if r.LearnerID <= 0 || r.ContentID <= 0 {
		return fmt.Errorf("%w: learner and content ids must be positive", ErrInvalidRecord)
	}
	if !r.Kind.Allows(r.Status) {
		return fmt.Errorf("%w: status %q not allowed for %s", ErrInvalidRecord, r.Status, r.Kind)
	}
	if r.Status.Finished() && r.CompletedAt == nil {
		return fmt.Errorf("%w: status %q requires completed_at", ErrInvalidRecord, r.Status)
	}
	if !r.Status.Finished() && r.CompletedAt != nil {
		return fmt.Errorf("%w: completed_at requires a finished status", ErrInvalidRecord)
	}
	if r.StartedAt != nil && r.CompletedAt != nil && r.CompletedAt.Before(*r.StartedAt) {
		return fmt.Errorf("%w: completed_at before started_at", ErrInvalidRecord)
	}
	return nil
}

// Repository is the contract every progress backend implements.
// A repository is bound to a single Kind.
type Repository interface {
	// Get returns the current record for the pair. A missing record is (zero, false, nil).
	Get(ctx context.Context, learnerID, contentID int64) (ProgressRecord, bool, error)
	// Save inserts or updates the record for its (learner, content) pair and
	// returns it with the backend id populated.
	Save(ctx context.Context, rec ProgressRecord) (ProgressRecord, error)
	// Delete removes the record for the pair. Deleting a missing record is not an error.
	Delete(ctx context.Context, learnerID, contentID int64) error
	// DeleteForContent removes every learner's record for contentID.
	DeleteForContent(ctx context.Context, contentID int64) error
	// DeleteForLearner removes every record belonging to learnerID.
	DeleteForLearner(ctx context.Context, learnerID int64) error
}

// Lister is implemented by backends that can be scanned in id order.
type Lister interface {
	List(ctx context.Context, afterID int64, limit int) ([]ProgressRecord, error)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
