// Package buffer implements the per-conversation message buffer and the
// distributed gate token.
//
// The buffer is an ordered list of serialized inbound events. The gate is a
// TTL'd string whose presence means exactly one process owns the right to
// drive the conversation; its value is an opaque token supplied by the owner.
// Every multi-step contract is atomic with respect to other callers on the
// same key (server-side Lua in the Redis implementation, a mutex in the
// in-memory one).
package buffer

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// DefaultGateTTL is the gate expiry. It must exceed the heartbeat interval
// by at least 2x.
const DefaultGateTTL = 60 * time.Second

// Store is the buffer + gate capability set consumed by the gate loop, the
// processor, and the ingress producer.
type Store interface {
	// Append pushes one event onto the tail of the buffer.
	Append(ctx context.Context, key session.Key, ev session.Event) error

	// RequeueFront pushes events back onto the head of the buffer,
	// preserving their mutual order ahead of any later appends.
	RequeueFront(ctx context.Context, key session.Key, evs []session.Event) error

	// AppendAndRequestJob pushes ev to the tail and then sets the gate to
	// token only if the gate is absent (NX + TTL), in one atomic step.
	// Returns true iff the gate was newly acquired by token.
	AppendAndRequestJob(ctx context.Context, key session.Key, ev session.Event, token string) (bool, error)

	// Drain atomically reads and clears the buffer. Entries that fail to
	// decode are dropped and logged.
	Drain(ctx context.Context, key session.Key) ([]session.Event, error)

	// Len returns the current buffer length.
	Len(ctx context.Context, key session.Key) (int64, error)

	// ClaimGate acquires the gate for token, or refreshes its TTL when
	// token already holds it. Returns false when another token holds it.
	ClaimGate(ctx context.Context, key session.Key, token string) (bool, error)

	// RefreshGate extends the TTL iff token currently holds the gate.
	RefreshGate(ctx context.Context, key session.Key, token string) (bool, error)

	// TryReleaseGate releases the gate iff the buffer is empty. Returns
	// false when the buffer is non-empty or another token holds the gate;
	// true when the gate was deleted or already absent.
	TryReleaseGate(ctx context.Context, key session.Key, token string) (bool, error)

	// ReleaseGate unconditionally deletes the gate iff held by token.
	ReleaseGate(ctx context.Context, key session.Key, token string) (bool, error)

	// GateTTL returns the configured gate expiry.
	GateTTL() time.Duration
}
