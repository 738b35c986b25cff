// Package history is the durable append-only log of conversation turns,
// keyed by (bot account, user).
package history

import (
	"context"
	"time"
)

// Role classifies a history entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Entry is one appended turn fragment. Entries are immutable once written.
type Entry struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	GroupID   string    `json:"groupId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	// IncludeInContext marks whether the entry belongs in future prompt
	// context. nil means true; stream-trace entries set it to false.
	IncludeInContext *bool  `json:"includeInContext,omitempty"`
	Trace            string `json:"trace,omitempty"`
}

// InContext resolves the IncludeInContext default.
func (e Entry) InContext() bool {
	return e.IncludeInContext == nil || *e.IncludeInContext
}

// Key addresses one user's log under one bot account.
// BotAccountID is "{platform}:{selfId}".
type Key struct {
	BotAccountID string
	UserID       string
}

// ReadOptions bound a read. Zero values mean unlimited.
type ReadOptions struct {
	MaxEntries int
	MaxBytes   int
}

// Store is the append/read interface the processor depends on.
type Store interface {
	// Read returns entries oldest-first, trimmed from the head to satisfy
	// the byte budget after the entry cap.
	Read(ctx context.Context, key Key, opts ReadOptions) ([]Entry, error)

	// Append writes one entry to the tail of the log.
	Append(ctx context.Context, key Key, e Entry) error
}

// trimToBudget drops entries from the head until the summed content bytes
// fit maxBytes. entries must be oldest-first.
func trimToBudget(entries []Entry, maxBytes int) []Entry {
	if maxBytes <= 0 {
		return entries
	}
	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	i := 0
	for i < len(entries) && total > maxBytes {
		total -= len(entries[i].Content)
		i++
	}
	return entries[i:]
}
