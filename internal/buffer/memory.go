package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// MemoryStore is an in-process Store with the same atomicity contracts as
// the Redis implementation. Used by tests and single-process setups.
type MemoryStore struct {
	mu      sync.Mutex
	lists   map[string][]session.Event
	gates   map[string]gateEntry
	gateTTL time.Duration
	now     func() time.Time
}

type gateEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemoryStore(gateTTL time.Duration) *MemoryStore {
	if gateTTL <= 0 {
		gateTTL = DefaultGateTTL
	}
	return &MemoryStore{
		lists:   make(map[string][]session.Event),
		gates:   make(map[string]gateEntry),
		gateTTL: gateTTL,
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook for TTL expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) GateTTL() time.Duration { return s.gateTTL }

// gate returns the live token for key, expiring stale entries lazily.
func (s *MemoryStore) gate(key session.Key) (string, bool) {
	g, ok := s.gates[key.GateKey()]
	if !ok {
		return "", false
	}
	if s.now().After(g.expiresAt) {
		delete(s.gates, key.GateKey())
		return "", false
	}
	return g.token, true
}

func (s *MemoryStore) setGate(key session.Key, token string) {
	s.gates[key.GateKey()] = gateEntry{token: token, expiresAt: s.now().Add(s.gateTTL)}
}

func (s *MemoryStore) Append(_ context.Context, key session.Key, ev session.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key.BufferKey()] = append(s.lists[key.BufferKey()], ev)
	return nil
}

func (s *MemoryStore) RequeueFront(_ context.Context, key session.Key, evs []session.Event) error {
	if len(evs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.lists[key.BufferKey()]
	merged := make([]session.Event, 0, len(evs)+len(cur))
	merged = append(merged, evs...)
	merged = append(merged, cur...)
	s.lists[key.BufferKey()] = merged
	return nil
}

func (s *MemoryStore) AppendAndRequestJob(_ context.Context, key session.Key, ev session.Event, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[key.BufferKey()] = append(s.lists[key.BufferKey()], ev)
	if _, held := s.gate(key); held {
		return false, nil
	}
	s.setGate(key, token)
	return true, nil
}

func (s *MemoryStore) Drain(_ context.Context, key session.Key) ([]session.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.lists[key.BufferKey()]
	if len(evs) == 0 {
		return nil, nil
	}
	delete(s.lists, key.BufferKey())
	out := make([]session.Event, len(evs))
	copy(out, evs)
	return out, nil
}

func (s *MemoryStore) Len(_ context.Context, key session.Key) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[key.BufferKey()])), nil
}

func (s *MemoryStore) ClaimGate(_ context.Context, key session.Key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, held := s.gate(key)
	if !held || cur == token {
		s.setGate(key, token)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) RefreshGate(_ context.Context, key session.Key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, held := s.gate(key); held && cur == token {
		s.setGate(key, token)
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) TryReleaseGate(_ context.Context, key session.Key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lists[key.BufferKey()]) > 0 {
		return false, nil
	}
	cur, held := s.gate(key)
	if !held {
		return true, nil
	}
	if cur == token {
		delete(s.gates, key.GateKey())
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ReleaseGate(_ context.Context, key session.Key, token string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, held := s.gate(key); held && cur == token {
		delete(s.gates, key.GateKey())
		return true, nil
	}
	return false, nil
}

// GateHeld reports whether any token currently holds the gate. Test helper.
func (s *MemoryStore) GateHeld(key session.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, held := s.gate(key)
	return held
}

// GateToken returns the current holder token, or "". Test helper.
func (s *MemoryStore) GateToken(key session.Key) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, _ := s.gate(key)
	return tok
}

// InstallGate force-sets the gate to token. Test helper simulating an
// external actor taking over after expiry.
func (s *MemoryStore) InstallGate(key session.Key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setGate(key, token)
}
