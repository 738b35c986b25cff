package activity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// MemoryIndex is an in-process Index for tests.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]int64 // member → last-active ms
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]int64)}
}

func (i *MemoryIndex) RecordActivity(_ context.Context, key session.Key, at time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.entries[key.String()] = at.UnixMilli()
	return nil
}

func (i *MemoryIndex) FetchExpired(_ context.Context, cutoff time.Time) ([]session.Key, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	type scored struct {
		key session.Key
		ms  int64
	}
	var hits []scored
	for m, ms := range i.entries {
		if ms > cutoff.UnixMilli() {
			continue
		}
		k, err := session.ParseKey(m)
		if err != nil {
			delete(i.entries, m)
			continue
		}
		hits = append(hits, scored{key: k, ms: ms})
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].ms < hits[b].ms })

	keys := make([]session.Key, 0, len(hits))
	for _, h := range hits {
		keys = append(keys, h.key)
	}
	return keys, nil
}

func (i *MemoryIndex) Remove(_ context.Context, key session.Key) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.entries, key.String())
	return nil
}

// Len returns the member count. Test helper.
func (i *MemoryIndex) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.entries)
}
