package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/activity"
	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

func mustKey(t *testing.T, sid string) session.Key {
	t.Helper()
	key, err := session.NewKey("bot1", "0", sid)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestNewValidatesConfig(t *testing.T) {
	index := activity.NewMemoryIndex()
	buffers := buffer.NewMemoryStore(0)

	if _, err := New(Config{Schedule: "not a cron", IdleAfter: time.Hour}, index, buffers); err == nil {
		t.Error("invalid schedule accepted")
	}
	if _, err := New(Config{Schedule: "*/10 * * * *", IdleAfter: 0}, index, buffers); err == nil {
		t.Error("zero idle window accepted")
	}
	if _, err := New(Config{Schedule: "*/10 * * * *", IdleAfter: time.Hour}, index, buffers); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestSweepReapsOnlyIdleConversations(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)

	index := activity.NewMemoryIndex()
	buffers := buffer.NewMemoryStore(0)

	old := mustKey(t, "old")
	fresh := mustKey(t, "fresh")
	index.RecordActivity(ctx, old, now.Add(-2*time.Hour))
	index.RecordActivity(ctx, fresh, now.Add(-time.Minute))

	r, err := New(Config{
		Schedule:  "* * * * *",
		IdleAfter: time.Hour,
		Now:       func() time.Time { return now },
	}, index, buffers)
	if err != nil {
		t.Fatal(err)
	}

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if index.Len() != 1 {
		t.Errorf("index size = %d, want the fresh entry kept", index.Len())
	}
}

func TestSweepSkipsConversationsWithPendingMessages(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)

	index := activity.NewMemoryIndex()
	buffers := buffer.NewMemoryStore(0)

	key := mustKey(t, "busy")
	index.RecordActivity(ctx, key, now.Add(-2*time.Hour))
	buffers.Append(ctx, key, session.Event{Platform: "discord", SelfID: "s", UserID: "u1", Content: "pending"})

	r, err := New(Config{
		Schedule:  "* * * * *",
		IdleAfter: time.Hour,
		Now:       func() time.Time { return now },
	}, index, buffers)
	if err != nil {
		t.Fatal(err)
	}

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped %d, want 0", n)
	}
	if index.Len() != 1 {
		t.Error("index entry removed despite pending messages")
	}
}

func TestSweepKeepsEntryWhenExpireHookFails(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)

	index := activity.NewMemoryIndex()
	buffers := buffer.NewMemoryStore(0)

	key := mustKey(t, "sticky")
	index.RecordActivity(ctx, key, now.Add(-2*time.Hour))

	r, err := New(Config{
		Schedule:  "* * * * *",
		IdleAfter: time.Hour,
		Now:       func() time.Time { return now },
	}, index, buffers)
	if err != nil {
		t.Fatal(err)
	}
	r.OnExpire = func(context.Context, session.Key) error {
		return errors.New("agent unreachable")
	}

	n, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 || index.Len() != 1 {
		t.Errorf("reaped=%d index=%d, want entry retained for next sweep", n, index.Len())
	}
}
