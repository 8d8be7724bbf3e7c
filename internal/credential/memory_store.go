package credential

import (
	"context"
	"sync"
)

// MemoryStore keeps credentials in process memory only.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Credential
}

// NewMemoryStore returns a store seeded with creds.
func NewMemoryStore(creds ...Credential) *MemoryStore {
	s := &MemoryStore{items: make(map[string]Credential, len(creds))}
	for _, c := range creds {
		s.items[c.ID] = c
	}
	return s
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) List(context.Context) ([]Credential, error) {
	s.mu.RLock()
	out := make([]Credential, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c)
	}
	s.mu.RUnlock()
	SortByPriority(out)
	return out, nil
}

func (s *MemoryStore) Upsert(_ context.Context, c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.items[c.ID] = c
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) SetPriorities(_ context.Context, priorities map[string]int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range priorities {
		if _, ok := s.items[id]; !ok {
			return ErrNotFound
		}
	}
	for id, p := range priorities {
		c := s.items[id]
		c.Priority = p
		s.items[id] = c
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
