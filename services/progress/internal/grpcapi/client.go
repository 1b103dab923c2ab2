package grpcapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/lms-platform/services/progress/internal/store"
)

// Client calls progress.v1.ProgressService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Get(ctx context.Context, kind store.Kind, learnerID, contentID int64) (store.ProgressRecord, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetProgress"), keyStruct(kind, learnerID, contentID), out); err != nil {
		return store.ProgressRecord{}, err
	}
	return decodeRecord(out), nil
}

func (c *Client) Save(ctx context.Context, rec store.ProgressRecord) (store.ProgressRecord, error) {
	in := keyStruct(rec.Kind, rec.LearnerID, rec.ContentID)
	in.Fields["status"] = structpb.NewStringValue(string(rec.Status))
	if rec.StartedAt != nil {
		in.Fields["started_at"] = structpb.NewStringValue(rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.CompletedAt != nil {
		in.Fields["completed_at"] = structpb.NewStringValue(rec.CompletedAt.UTC().Format(time.RFC3339))
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("SaveProgress"), in, out); err != nil {
		return store.ProgressRecord{}, err
	}
	return decodeRecord(out), nil
}

func (c *Client) Delete(ctx context.Context, kind store.Kind, learnerID, contentID int64) error {
	return c.cc.Invoke(ctx, fullMethod("DeleteProgress"), keyStruct(kind, learnerID, contentID), new(structpb.Struct))
}

func keyStruct(kind store.Kind, learnerID, contentID int64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind":       structpb.NewStringValue(string(kind)),
		"learner_id": structpb.NewNumberValue(float64(learnerID)),
		"content_id": structpb.NewNumberValue(float64(contentID)),
	}}
}

func decodeRecord(s *structpb.Struct) store.ProgressRecord {
	f := s.GetFields()
	rec := store.ProgressRecord{
		ID:        int64(f["id"].GetNumberValue()),
		Kind:      store.Kind(f["kind"].GetStringValue()),
		LearnerID: int64(f["learner_id"].GetNumberValue()),
		ContentID: int64(f["content_id"].GetNumberValue()),
		Status:    store.Status(f["status"].GetStringValue()),
	}
	if t, err := time.Parse(time.RFC3339, f["updated_at"].GetStringValue()); err == nil {
		rec.UpdatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, f["started_at"].GetStringValue()); err == nil {
		rec.StartedAt = &t
	}
	if t, err := time.Parse(time.RFC3339, f["completed_at"].GetStringValue()); err == nil {
		rec.CompletedAt = &t
	}
	return rec
}
