package link

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, patientID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[patientID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Upsert(_ context.Context, r *Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	rec := *r
	rec.UpdatedAt = now
	if prev, ok := s.records[r.PatientID]; ok {
		rec.CreatedAt = prev.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	s.records[r.PatientID] = rec
	return nil
}

func (s *MemoryStore) Update(_ context.Context, patientID string, f Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[patientID]
	if !ok || rec.State != StateLinked {
		return ErrNotFound
	}
	f.apply(&rec)
	if err := rec.Validate(); err != nil {
		return err
	}
	rec.UpdatedAt = s.now().UTC()
	s.records[patientID] = rec
	return nil
}

func (s *MemoryStore) ListLinked(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id, r := range s.records {
		if r.State == StateLinked {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Put stores r without validation.
func (s *MemoryStore) Put(r Record) {
	s.mu.Lock()
	s.records[r.PatientID] = r
	s.mu.Unlock()
}
