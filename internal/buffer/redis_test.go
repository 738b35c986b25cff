package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisStore(rdb, 60*time.Second), mr
}

func testKey() session.Key {
	return session.Key{BotID: "bot1", GroupID: "0", SessionID: "s1"}
}

func ev(content string) session.Event {
	return session.Event{
		Platform:  "discord",
		SelfID:    "self1",
		UserID:    "u42",
		ChannelID: "c9",
		Content:   content,
		Timestamp: 1700000000000,
	}
}

func TestRedisAppendAndRequestJob(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	acquired, err := store.AppendAndRequestJob(ctx, key, ev("a"), "T1")
	if err != nil {
		t.Fatalf("AppendAndRequestJob: %v", err)
	}
	if !acquired {
		t.Fatal("first caller should acquire the gate")
	}

	// Second append while T1 holds the gate: message buffered, no token.
	acquired, err = store.AppendAndRequestJob(ctx, key, ev("b"), "T2")
	if err != nil {
		t.Fatalf("AppendAndRequestJob: %v", err)
	}
	if acquired {
		t.Fatal("second caller must not acquire a held gate")
	}

	n, err := store.Len(ctx, key)
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 2 {
		t.Errorf("buffer len = %d, want 2 (append happens even without the gate)", n)
	}
}

func TestRedisDrainOrderAndClear(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	for _, c := range []string{"a", "b", "c"} {
		if err := store.Append(ctx, key, ev(c)); err != nil {
			t.Fatalf("Append(%s): %v", c, err)
		}
	}

	got, err := store.Drain(ctx, key)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 3 || got[0].Content != "a" || got[1].Content != "b" || got[2].Content != "c" {
		t.Fatalf("drain order wrong: %+v", got)
	}

	again, err := store.Drain(ctx, key)
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second drain should be empty, got %d", len(again))
	}
}

func TestRedisDrainDropsUndecodableEntries(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	if err := store.Append(ctx, key, ev("good")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.Lpush(key.BufferKey(), "{not json")

	got, err := store.Drain(ctx, key)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(got) != 1 || got[0].Content != "good" {
		t.Fatalf("expected only the decodable entry, got %+v", got)
	}
}

func TestRedisRequeueFrontPreservesOrder(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	if err := store.Append(ctx, key, ev("later")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.RequeueFront(ctx, key, []session.Event{ev("a"), ev("b")}); err != nil {
		t.Fatalf("RequeueFront: %v", err)
	}

	got, err := store.Drain(ctx, key)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	want := []string{"a", "b", "later"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Content != w {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Content, w)
		}
	}
}

func TestRedisGateClaimRefreshRelease(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	ok, err := store.ClaimGate(ctx, key, "T1")
	if err != nil || !ok {
		t.Fatalf("ClaimGate fresh = (%v, %v), want true", ok, err)
	}
	// Re-claim by the holder refreshes.
	if ok, _ := store.ClaimGate(ctx, key, "T1"); !ok {
		t.Fatal("holder re-claim should succeed")
	}
	// Another token is rejected.
	if ok, _ := store.ClaimGate(ctx, key, "T2"); ok {
		t.Fatal("foreign claim on held gate should fail")
	}

	if ok, _ := store.RefreshGate(ctx, key, "T1"); !ok {
		t.Fatal("holder refresh should succeed")
	}
	if ok, _ := store.RefreshGate(ctx, key, "T2"); ok {
		t.Fatal("foreign refresh should fail")
	}

	if ok, _ := store.ReleaseGate(ctx, key, "T2"); ok {
		t.Fatal("foreign release should fail")
	}
	if ok, _ := store.ReleaseGate(ctx, key, "T1"); !ok {
		t.Fatal("holder release should succeed")
	}
	if mr.Exists(key.GateKey()) {
		t.Fatal("gate key should be gone after release")
	}

	// TTL expiry frees the gate for the next claimant.
	if ok, _ := store.ClaimGate(ctx, key, "T1"); !ok {
		t.Fatal("re-claim after release")
	}
	mr.FastForward(61 * time.Second)
	if ok, _ := store.ClaimGate(ctx, key, "T3"); !ok {
		t.Fatal("claim after TTL expiry should succeed")
	}
}

func TestRedisTryReleaseGate(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	if ok, _ := store.ClaimGate(ctx, key, "T1"); !ok {
		t.Fatal("ClaimGate")
	}

	// Non-empty buffer blocks release even for the holder.
	if err := store.Append(ctx, key, ev("pending")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if ok, _ := store.TryReleaseGate(ctx, key, "T1"); ok {
		t.Fatal("try-release must fail while the buffer is non-empty")
	}

	if _, err := store.Drain(ctx, key); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// Foreign token cannot release.
	if ok, _ := store.TryReleaseGate(ctx, key, "T2"); ok {
		t.Fatal("foreign try-release should fail")
	}

	// Holder releases an empty buffer; gate key disappears (P6).
	if ok, _ := store.TryReleaseGate(ctx, key, "T1"); !ok {
		t.Fatal("holder try-release on empty buffer should succeed")
	}
	if mr.Exists(key.GateKey()) {
		t.Fatal("gate should be absent when buffer is empty after release")
	}

	// Absent gate: try-release is vacuously true.
	if ok, _ := store.TryReleaseGate(ctx, key, "T1"); !ok {
		t.Fatal("try-release on absent gate should succeed")
	}
}

func TestRedisDrainThenTryReleaseRace(t *testing.T) {
	// A producer appending between the holder's drain and try-release must
	// force the holder to keep looping rather than exit.
	store, _ := newRedisStore(t)
	ctx := context.Background()
	key := testKey()

	if ok, _ := store.ClaimGate(ctx, key, "T1"); !ok {
		t.Fatal("ClaimGate")
	}
	if _, err := store.Drain(ctx, key); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// Concurrent producer appends; gate is held so no token returned.
	if acquired, _ := store.AppendAndRequestJob(ctx, key, ev("late"), "T2"); acquired {
		t.Fatal("producer must not steal a held gate")
	}

	if ok, _ := store.TryReleaseGate(ctx, key, "T1"); ok {
		t.Fatal("try-release must see the late append and refuse")
	}

	got, err := store.Drain(ctx, key)
	if err != nil || len(got) != 1 || got[0].Content != "late" {
		t.Fatalf("holder should observe the late message: %+v, %v", got, err)
	}
}
