// Package activity tracks last-active timestamps per conversation so an
// idle-session reaper can find conversations to clean up.
//
// The production index is one Redis sorted set, session:last-active, whose
// members are the colon-joined conversation keys scored by unix milliseconds.
package activity

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// IndexKey is the Redis sorted-set key.
const IndexKey = "session:last-active"

// Index records and queries conversation activity.
type Index interface {
	// RecordActivity upserts the last-active time for key.
	RecordActivity(ctx context.Context, key session.Key, at time.Time) error

	// FetchExpired returns every conversation whose last activity is at or
	// before cutoff. Malformed or unsafe members are removed on read.
	FetchExpired(ctx context.Context, cutoff time.Time) ([]session.Key, error)

	// Remove deletes key from the index.
	Remove(ctx context.Context, key session.Key) error
}
