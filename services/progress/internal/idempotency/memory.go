package idempotency

import (
	"context"
	"sync"
)

// memoryStore is a development-only in-memory idempotency store.
// WARNING: state is lost on restart and is not shared between instances.
type memoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{seen: make(map[string]struct{})}
}

func (s *memoryStore) Check(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[eventID]; ok {
		return true, nil
	}
	s.seen[eventID] = struct{}{}
	return false, nil
}

func (s *memoryStore) Release(_ context.Context, eventID string) error {
	s.mu.Lock()
	delete(s.seen, eventID)
	s.mu.Unlock()
	return nil
}
