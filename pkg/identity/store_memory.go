package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryLeaseStore keeps lease records in process. Single-binary
// deployments and tests use it; anything multi-process needs redis.
type MemoryLeaseStore struct {
	mu   sync.Mutex
	byID map[string]*Record
}

func NewMemoryLeaseStore() *MemoryLeaseStore {
	return &MemoryLeaseStore{byID: make(map[string]*Record)}
}

func (s *MemoryLeaseStore) Acquire(_ context.Context, actorID string, now time.Time, ttl time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[actorID]
	if !ok {
		rec = &Record{}
		s.byID[actorID] = rec
	}
	if rec.Held && now.Before(rec.ExpiresAt) {
		return *rec, false, nil
	}
	rec.Epoch++
	rec.ExpiresAt = now.Add(ttl)
	rec.Held = true
	return *rec, true, nil
}

func (s *MemoryLeaseStore) Heartbeat(_ context.Context, actorID string, epoch uint64, now time.Time, ttl, margin time.Duration) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[actorID]
	if !ok {
		return Record{}, false, nil
	}
	deadline := rec.ExpiresAt.Add(-margin)
	if !rec.Held || rec.Epoch != epoch || !now.Before(deadline) {
		return *rec, false, nil
	}
	rec.ExpiresAt = now.Add(ttl)
	return *rec, true, nil
}

func (s *MemoryLeaseStore) Release(_ context.Context, actorID string, epoch uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[actorID]
	if !ok || !rec.Held || rec.Epoch != epoch {
		return false, nil
	}
	rec.Held = false
	return true, nil
}

func (s *MemoryLeaseStore) Revoke(_ context.Context, actorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byID[actorID]; ok {
		rec.Held = false
	}
	return nil
}

func (s *MemoryLeaseStore) Current(_ context.Context, actorID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.byID[actorID]; ok {
		return *rec, nil
	}
	return Record{}, nil
}

func (s *MemoryLeaseStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, rec := range s.byID {
		if rec.Held && !now.Before(rec.ExpiresAt) {
			rec.Held = false
			swept++
		}
	}
	return swept, nil
}

func (s *MemoryLeaseStore) Close() error { return nil }
