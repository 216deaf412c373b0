package store

import (
	"context"
	"sync"
	"time"

	"github.com/dunamismax/diptych/internal/domain"
)

type MemoryBatchStore struct {
	mu      sync.RWMutex
	batches map[string]domain.BatchRecord
}

func NewMemoryBatchStore() *MemoryBatchStore {
	return &MemoryBatchStore{
		batches: make(map[string]domain.BatchRecord),
	}
}

func (s *MemoryBatchStore) Save(_ context.Context, rec domain.BatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.batches[rec.ID]; ok && rec.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.FinalPaths = append([]string(nil), rec.FinalPaths...)
	s.batches[rec.ID] = rec
	return nil
}

func (s *MemoryBatchStore) Get(_ context.Context, id string) (domain.BatchRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.batches[id]
	if !ok {
		return domain.BatchRecord{}, false, nil
	}
	rec.FinalPaths = append([]string(nil), rec.FinalPaths...)
	return rec, true, nil
}
