package checkpoint

import (
	"context"
	"sync"

	"triggerhub/pkg/metrics"
)

// MemoryStore is a single-process store.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]string)}
}

func (s *MemoryStore) Read(_ context.Context, subscriptionID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cursor, ok := s.cursors[subscriptionID]
	return cursor, ok, nil
}

func (s *MemoryStore) Advance(_ context.Context, subscriptionID, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.cursors[subscriptionID]
	if (from == "" && ok) || (from != "" && (!ok || current != from)) {
		metrics.IncCheckpointAdvance("memory", "conflict")
		return ErrConflictStale
	}
	s.cursors[subscriptionID] = to
	metrics.IncCheckpointAdvance("memory", "ok")
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, subscriptionID)
	return nil
}
