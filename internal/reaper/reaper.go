// Package reaper sweeps conversations that have gone idle: their activity
// index entries are dropped and any leftover Redis state is cleaned up, so
// the index never grows without bound.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/agentrelay/internal/activity"
	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// Config tunes the sweep.
type Config struct {
	// Schedule is a cron expression controlling sweep cadence.
	Schedule string
	// IdleAfter is how long a conversation may stay quiet before it is
	// considered expired.
	IdleAfter time.Duration
	// Now is the clock. nil = time.Now. Test hook.
	Now func() time.Time
}

// Reaper owns the periodic sweep. OnExpire, when set, is invoked for every
// reaped key so callers can release external resources (agent sessions,
// workspaces) beyond the core's own state.
type Reaper struct {
	cfg      Config
	index    activity.Index
	buffers  buffer.Store
	log      *slog.Logger
	OnExpire func(ctx context.Context, key session.Key) error
}

func New(cfg Config, index activity.Index, buffers buffer.Store) (*Reaper, error) {
	if !gronx.New().IsValid(cfg.Schedule) {
		return nil, fmt.Errorf("invalid reaper schedule %q", cfg.Schedule)
	}
	if cfg.IdleAfter <= 0 {
		return nil, fmt.Errorf("reaper idle window must be positive, got %v", cfg.IdleAfter)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reaper{cfg: cfg, index: index, buffers: buffers, log: slog.Default()}, nil
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		next, err := gronx.NextTick(r.cfg.Schedule, false)
		if err != nil {
			return fmt.Errorf("compute next sweep: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}
		if n, err := r.Sweep(ctx); err != nil {
			r.log.Error("sweep failed", "error", err)
		} else if n > 0 {
			r.log.Info("swept idle conversations", "count", n)
		}
	}
}

// Sweep reaps every conversation idle past the window. A conversation with a
// held gate or a non-empty buffer is live regardless of its index timestamp
// and is left alone. Returns the number of conversations reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.cfg.Now().Add(-r.cfg.IdleAfter)
	keys, err := r.index.FetchExpired(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("fetch expired conversations: %w", err)
	}

	reaped := 0
	for _, key := range keys {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}

		n, err := r.buffers.Len(ctx, key)
		if err != nil {
			r.log.Warn("skipping key, buffer check failed", "key", key.String(), "error", err)
			continue
		}
		if n > 0 {
			// A pending message means a job is coming; its activity
			// record will be refreshed when it runs.
			continue
		}

		if r.OnExpire != nil {
			if err := r.OnExpire(ctx, key); err != nil {
				r.log.Warn("expire hook failed, keeping index entry",
					"key", key.String(), "error", err)
				continue
			}
		}

		if err := r.index.Remove(ctx, key); err != nil {
			r.log.Warn("index removal failed", "key", key.String(), "error", err)
			continue
		}
		reaped++
		r.log.Info("reaped idle conversation", "key", key.String())
	}
	return reaped, nil
}
