package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func boolPtr(b bool) *bool { return &b }

func entry(role Role, content string, at time.Time) Entry {
	return Entry{Role: role, Content: content, CreatedAt: at}
}

func TestMemoryStoreReadTrims(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	key := Key{BotAccountID: "discord:self1", UserID: "u42"}

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, c := range []string{"aaaa", "bbbb", "cccc", "dddd"} {
		if err := store.Append(ctx, key, entry(RoleUser, c, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.Read(ctx, key, ReadOptions{MaxEntries: 3})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 || got[0].Content != "bbbb" || got[2].Content != "dddd" {
		t.Fatalf("MaxEntries trim wrong: %+v", got)
	}

	// Byte budget of 9 keeps the newest two 4-byte entries only.
	got, err = store.Read(ctx, key, ReadOptions{MaxBytes: 9})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 || got[0].Content != "cccc" || got[1].Content != "dddd" {
		t.Fatalf("byte trim wrong: %+v", got)
	}
}

func TestMemoryStoreIsolatesKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	k1 := Key{BotAccountID: "discord:self1", UserID: "u1"}
	k2 := Key{BotAccountID: "discord:self1", UserID: "u2"}

	store.Append(ctx, k1, entry(RoleUser, "hi", time.Now()))
	got, _ := store.Read(ctx, k2, ReadOptions{})
	if len(got) != 0 {
		t.Fatalf("keys must be isolated, got %+v", got)
	}
}

func TestEntryInContextDefault(t *testing.T) {
	if !(Entry{}).InContext() {
		t.Error("nil IncludeInContext must default to true")
	}
	e := Entry{IncludeInContext: boolPtr(false)}
	if e.InContext() {
		t.Error("explicit false must be honored")
	}
}

func TestTrimToBudget(t *testing.T) {
	base := time.Now()
	entries := []Entry{
		entry(RoleUser, "0123456789", base),
		entry(RoleAssistant, "01234", base),
		entry(RoleUser, "0123456789", base),
	}

	if got := trimToBudget(entries, 0); len(got) != 3 {
		t.Errorf("budget 0 means unlimited, got %d", len(got))
	}
	if got := trimToBudget(entries, 15); len(got) != 2 {
		t.Errorf("budget 15 should drop the oldest entry, got %d", len(got))
	}
	if got := trimToBudget(entries, 3); len(got) != 0 {
		// The newest entry alone exceeds the budget.
		t.Errorf("budget 3 should drop everything, got %d", len(got))
	}
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := Key{BotAccountID: "discord:self1", UserID: "u42"}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := store.Append(ctx, key, Entry{
		Role: RoleUser, Content: "hi", CreatedAt: base, GroupID: "0", SessionID: "s1",
	}); err != nil {
		t.Fatalf("Append user: %v", err)
	}
	if err := store.Append(ctx, key, Entry{
		Role: RoleSystem, Content: "trace blob", CreatedAt: base.Add(time.Second),
		IncludeInContext: boolPtr(false), Trace: "agent-call",
	}); err != nil {
		t.Fatalf("Append trace: %v", err)
	}
	if err := store.Append(ctx, key, Entry{
		Role: RoleAssistant, Content: "hello", CreatedAt: base.Add(2 * time.Second),
	}); err != nil {
		t.Fatalf("Append assistant: %v", err)
	}

	got, err := store.Read(ctx, key, ReadOptions{})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Role != RoleUser || got[0].Content != "hi" || got[0].GroupID != "0" || got[0].SessionID != "s1" {
		t.Errorf("user entry mangled: %+v", got[0])
	}
	if got[1].InContext() {
		t.Error("trace entry must be excluded from context")
	}
	if got[1].Trace != "agent-call" {
		t.Errorf("trace field lost: %+v", got[1])
	}
	if !got[0].CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", got[0].CreatedAt, base)
	}

	// Newest-two read: LIMIT applies before the reverse.
	got, err = store.Read(ctx, key, ReadOptions{MaxEntries: 2})
	if err != nil {
		t.Fatalf("Read limited: %v", err)
	}
	if len(got) != 2 || got[0].Role != RoleSystem || got[1].Role != RoleAssistant {
		t.Fatalf("limited read wrong: %+v", got)
	}
}
