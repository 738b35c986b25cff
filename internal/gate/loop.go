// Package gate drives the drain-and-run loop for one conversation while the
// caller holds the gate token.
//
// The claimGate → drain → tryReleaseGate triple keeps drain-and-release
// sequentially consistent with a concurrent appendAndRequestJob: a producer
// can never slip between the drain and the release without either appending
// to a non-empty list or claiming a gate the loop no longer holds.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// Result is the loop's terminal state.
type Result int

const (
	// Drained: the buffer was empty and the gate was released cleanly.
	Drained Result = iota
	// LostGate: another token took over; the caller must not touch
	// gate-protected state anymore.
	LostGate
)

func (r Result) String() string {
	if r == LostGate {
		return "lost_gate"
	}
	return "drained"
}

// BatchResult is the batch callback's verdict.
type BatchResult int

const (
	// Continue: the batch was handled; keep draining.
	Continue BatchResult = iota
	// Lost: the callback detected a gate takeover mid-batch.
	Lost
)

// BatchFunc handles one drained batch. Returning an error aborts the loop
// and propagates; the callback is responsible for restoring its messages
// before failing.
type BatchFunc func(ctx context.Context, msgs []session.Event) (BatchResult, error)

// HeartbeatInterval derives the refresh cadence from the gate TTL:
// clamp(ttl/2, 1s, 30s).
func HeartbeatInterval(gateTTL time.Duration) time.Duration {
	hb := gateTTL / 2
	if hb < time.Second {
		hb = time.Second
	}
	if hb > 30*time.Second {
		hb = 30 * time.Second
	}
	return hb
}

// Run executes the drain-and-run loop. The caller must already hold the gate
// for key with token. The heartbeat is stopped on every exit path.
func Run(ctx context.Context, store buffer.Store, key session.Key, token string, onBatch BatchFunc) (Result, error) {
	log := slog.Default().With("key", key.String())

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		heartbeat(hbCtx, store, key, token, log)
	}()
	defer func() {
		stopHeartbeat()
		hbDone.Wait()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return LostGate, err
		}

		owned, err := store.ClaimGate(ctx, key, token)
		if err != nil {
			return LostGate, fmt.Errorf("claim gate: %w", err)
		}
		if !owned {
			log.Info("gate taken over, stopping loop")
			return LostGate, nil
		}

		msgs, err := store.Drain(ctx, key)
		if err != nil {
			return LostGate, fmt.Errorf("drain buffer: %w", err)
		}

		if len(msgs) == 0 {
			released, err := store.TryReleaseGate(ctx, key, token)
			if err != nil {
				return LostGate, fmt.Errorf("try-release gate: %w", err)
			}
			if released {
				return Drained, nil
			}
			// A producer appended between drain and try-release;
			// loop again to pick the message up.
			continue
		}

		res, err := onBatch(ctx, msgs)
		if err != nil {
			return LostGate, err
		}
		if res == Lost {
			return LostGate, nil
		}
	}
}

// heartbeat refreshes the gate TTL until cancelled or the refresh fails.
// A single in-flight flag keeps overlapping refreshes from stacking up when
// Redis is slow.
func heartbeat(ctx context.Context, store buffer.Store, key session.Key, token string, log *slog.Logger) {
	interval := HeartbeatInterval(store.GateTTL())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var inFlight bool
	var mu sync.Mutex

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mu.Lock()
			if inFlight {
				mu.Unlock()
				continue
			}
			inFlight = true
			mu.Unlock()

			ok, err := store.RefreshGate(ctx, key, token)

			mu.Lock()
			inFlight = false
			mu.Unlock()

			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("gate heartbeat refresh failed", "error", err)
				continue
			}
			if !ok {
				// The loop will observe the takeover on its next
				// claim; nothing left to keep alive here.
				log.Info("gate heartbeat lost ownership, stopping")
				return
			}
		}
	}
}
