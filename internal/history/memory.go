package history

import (
	"context"
	"sync"
)

// MemoryStore keeps logs in process memory. Test implementation.
type MemoryStore struct {
	mu   sync.Mutex
	logs map[Key][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[Key][]Entry)}
}

func (s *MemoryStore) Read(_ context.Context, key Key, opts ReadOptions) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[key]
	if opts.MaxEntries > 0 && len(entries) > opts.MaxEntries {
		entries = entries[len(entries)-opts.MaxEntries:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return trimToBudget(out, opts.MaxBytes), nil
}

func (s *MemoryStore) Append(_ context.Context, key Key, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[key] = append(s.logs[key], e)
	return nil
}

// All returns every entry for key in append order. Test helper.
func (s *MemoryStore) All(key Key) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.logs[key]))
	copy(out, s.logs[key])
	return out
}
