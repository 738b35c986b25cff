package adapter

import (
	"context"
	"sync"
)

// MemorySender records replies in process memory. Test implementation.
type MemorySender struct {
	mu      sync.Mutex
	replies []Reply
	failErr error
}

func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

// FailWith makes every subsequent send return err (nil to reset).
func (s *MemorySender) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

func (s *MemorySender) SendReply(_ context.Context, r Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.replies = append(s.replies, r)
	return nil
}

// Replies returns a copy of everything sent so far.
func (s *MemorySender) Replies() []Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Reply, len(s.replies))
	copy(out, s.replies)
	return out
}
