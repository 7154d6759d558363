package storage

import (
	"context"
	"sync"
)

// MemoryProvider keeps every room's record in process memory. It is the
// fallback when Redis is disabled, and what tests bind against.
type MemoryProvider struct {
	mu      sync.Mutex
	records map[string]*memoryStore
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{records: make(map[string]*memoryStore)}
}

func (p *MemoryProvider) ForDoc(doc string) Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.records[doc]
	if !ok {
		s = &memoryStore{entries: make(map[string][]byte)}
		p.records[doc] = s
	}
	return s
}

type memoryStore struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (s *memoryStore) List(ctx context.Context) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte, len(s.entries))
	for k, v := range s.entries {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (s *memoryStore) Put(ctx context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		s.entries[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *memoryStore) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string][]byte)
	return nil
}
