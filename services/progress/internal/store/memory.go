package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memKey struct {
	learnerID int64
	contentID int64
}

// InMemoryRepository is a development-only in-memory implementation.
// WARNING: state is lost on restart and is not shared between instances.
type InMemoryRepository struct {
	mu     sync.RWMutex
	kind   Kind
	nextID int64
	rows   map[memKey]ProgressRecord
}

func NewInMemoryRepository(kind Kind) *InMemoryRepository {
	return &InMemoryRepository{kind: kind, rows: make(map[memKey]ProgressRecord)}
}

func (r *InMemoryRepository) Get(_ context.Context, learnerID, contentID int64) (ProgressRecord, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.rows[memKey{learnerID, contentID}]
	return rec, ok, nil
}

func (r *InMemoryRepository) Save(_ context.Context, rec ProgressRecord) (ProgressRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey{rec.LearnerID, rec.ContentID}
	if cur, ok := r.rows[k]; ok {
		rec.ID = cur.ID
	} else {
		r.nextID++
		rec.ID = r.nextID
	}
	rec.Kind = r.kind
	rec.UpdatedAt = time.Now().UTC()
	r.rows[k] = rec
	return rec, nil
}

func (r *InMemoryRepository) Delete(_ context.Context, learnerID, contentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rows, memKey{learnerID, contentID})
	return nil
}

func (r *InMemoryRepository) DeleteForContent(_ context.Context, contentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.rows {
		if k.contentID == contentID {
			delete(r.rows, k)
		}
	}
	return nil
}

func (r *InMemoryRepository) DeleteForLearner(_ context.Context, learnerID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.rows {
		if k.learnerID == learnerID {
			delete(r.rows, k)
		}
	}
	return nil
}

// List returns up to limit records with ID > afterID in ID order.
func (r *InMemoryRepository) List(_ context.Context, afterID int64, limit int) ([]ProgressRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ProgressRecord
	for _, rec := range r.rows {
		if rec.ID > afterID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many records are stored.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rows)
}
