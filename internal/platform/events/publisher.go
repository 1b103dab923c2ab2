// Package events provides a fire-and-forget NATS publisher for progress events.
// Producers import this package; consumers decode the same Event envelope.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// StreamName is the JetStream stream that captures every lms.* and progress.* subject.
const StreamName = "LMS_PROGRESS"

// Subjects for every event type produced or consumed by the progress service.
const (
	SubjectProgressSaved        = "progress.saved"
	SubjectProgressDeleted      = "progress.deleted"
	SubjectProgressMirrorFailed = "progress.mirror_failed"

	SubjectContentDeleted = "lms.content.deleted"
	SubjectLearnerDeleted = "lms.learner.deleted"
)

// StreamSubjects lists the subject filters bound to StreamName.
var StreamSubjects = []string{"progress.>", "lms.>"}

// Event is the canonical envelope sent to every subject above.
type Event struct {
	EventID    string         `json:"event_id"`
	EventName  string         `json:"event_name"`
	LearnerID  int64          `json:"learner_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Publisher publishes events to NATS JetStream.
// The zero value and a nil pointer are both safe no-op stubs.
type Publisher struct {
	js  nats.JetStreamContext
	log *zap.Logger
	now func() time.Time
}

// New creates a Publisher using an existing JetStream context.
// Pass js=nil to get a no-op stub (useful in tests and when NATS is down).
func New(js nats.JetStreamContext, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{js: js, log: log, now: time.Now}
}

// Enabled reports whether Publish will actually send anything.
func (p *Publisher) Enabled() bool {
	return p != nil && p.js != nil
}

// Publish sends an event asynchronously (fire-and-forget).
// Failures are logged as warnings and never surface to the caller.
func (p *Publisher) Publish(subject, eventName string, learnerID int64, props map[string]any) {
	if !p.Enabled() {
		return
	}
	data, err := json.Marshal(p.envelope(eventName, learnerID, props))
	if err != nil {
		p.log.Warn("events: marshal failed", zap.String("event", eventName), zap.Error(err))
		return
	}
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		p.log.Warn("events: publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (p *Publisher) envelope(eventName string, learnerID int64, props map[string]any) Event {
	return Event{
		EventID:    uuid.NewString(),
		EventName:  eventName,
		LearnerID:  learnerID,
		OccurredAt: p.now().UTC(),
		Properties: props,
	}
}
