package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/activity"
	"github.com/nextlevelbuilder/agentrelay/internal/adapter"
	"github.com/nextlevelbuilder/agentrelay/internal/agentapi"
	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/history"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// fakeAgent scripts the agent server. Prompt behavior is injected per test;
// sessions are created with sequential ses_fakeN ids.
type fakeAgent struct {
	mu          sync.Mutex
	live        map[string]bool
	nextID      int
	createCalls int
	promptCalls int
	lastPrompt  agentapi.PromptRequest
	lastSession string
	promptFn    func(call int, req agentapi.PromptRequest) (*agentapi.PromptResponse, error)
	messages    []agentapi.Message
	listCalls   int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{live: make(map[string]bool)}
}

func (a *fakeAgent) CreateSession(_ context.Context, _, _ string) (*agentapi.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.createCalls++
	a.nextID++
	id := fmt.Sprintf("ses_fake%d", a.nextID)
	a.live[id] = true
	return &agentapi.SessionInfo{ID: id}, nil
}

func (a *fakeAgent) GetSession(_ context.Context, _, sessionID string) (*agentapi.SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.live[sessionID] {
		return nil, nil
	}
	return &agentapi.SessionInfo{ID: sessionID}, nil
}

func (a *fakeAgent) ListMessages(_ context.Context, _, _ string) ([]agentapi.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listCalls++
	return a.messages, nil
}

func (a *fakeAgent) Prompt(_ context.Context, _, sessionID string, req agentapi.PromptRequest) (*agentapi.PromptResponse, error) {
	a.mu.Lock()
	a.promptCalls++
	call := a.promptCalls
	a.lastPrompt = req
	a.lastSession = sessionID
	fn := a.promptFn
	a.mu.Unlock()
	if fn == nil {
		return textResponse("ok"), nil
	}
	return fn(call, req)
}

func textResponse(text string) *agentapi.PromptResponse {
	return &agentapi.PromptResponse{
		Info:  agentapi.MessageInfo{ID: "msg_resp", Role: "assistant"},
		Parts: []agentapi.Part{{Type: "text", Text: text}},
	}
}

type fixture struct {
	proc     *Processor
	buf      *buffer.MemoryStore
	activity *activity.MemoryIndex
	hist     *history.MemoryStore
	sender   *adapter.MemorySender
	sessions *session.Repository
	agent    *fakeAgent
}

func newFixture(t *testing.T, agent *fakeAgent, cfg Config) *fixture {
	t.Helper()
	if cfg.AgentPrompt == "" {
		cfg.AgentPrompt = "You are a coding agent."
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	f := &fixture{
		buf:      buffer.NewMemoryStore(0),
		activity: activity.NewMemoryIndex(),
		hist:     history.NewMemoryStore(),
		sender:   adapter.NewMemorySender(),
		sessions: session.NewRepository(t.TempDir()),
		agent:    agent,
	}
	f.proc = New(cfg, Deps{
		Buffers:  f.buf,
		Activity: f.activity,
		History:  f.hist,
		Sessions: f.sessions,
		Agent:    agent,
		Sender:   f.sender,
	})
	return f
}

func testJob(token string) session.JobData {
	return session.JobData{
		BotID:     "bot1",
		GroupID:   "0",
		SessionID: "s1",
		UserID:    "u1",
		GateToken: token,
	}
}

func testConvKey(t *testing.T) session.Key {
	t.Helper()
	key, err := session.NewKey("bot1", "0", "s1")
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func inbound(content, messageID string, ts int64) session.Event {
	return session.Event{
		Platform:  "discord",
		SelfID:    "bot-self",
		UserID:    "u1",
		ChannelID: "c1",
		MessageID: messageID,
		Content:   content,
		Timestamp: ts,
	}
}

func histKey() history.Key {
	return history.Key{BotAccountID: "discord:bot-self", UserID: "u1"}
}

// enqueue appends the event and claims the gate, mirroring the producer path.
func enqueue(t *testing.T, f *fixture, key session.Key, ev session.Event, token string) bool {
	t.Helper()
	got, err := f.buf.AppendAndRequestJob(context.Background(), key, ev, token)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestSingleTurnHappyPath(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	agent.promptFn = func(_ int, _ agentapi.PromptRequest) (*agentapi.PromptResponse, error) {
		return textResponse("hello"), nil
	}
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("hi", "m1", 1700000000000), "T1") {
		t.Fatal("expected first append to win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	replies := f.sender.Replies()
	if len(replies) != 1 || replies[0].Content != "hello" {
		t.Fatalf("replies = %+v, want one \"hello\"", replies)
	}
	if replies[0].ChannelID != "c1" || replies[0].ReplyToID != "m1" {
		t.Errorf("reply coordinates = %+v", replies[0])
	}

	entries := f.hist.All(histKey())
	if len(entries) != 2 {
		t.Fatalf("history = %+v, want user+assistant", entries)
	}
	if entries[0].Role != history.RoleUser || entries[0].Content != "hi" {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].Role != history.RoleAssistant || entries[1].Content != "hello" {
		t.Errorf("second entry = %+v", entries[1])
	}

	if f.buf.GateHeld(key) {
		t.Error("gate still held after drained exit")
	}
	if n, _ := f.buf.Len(ctx, key); n != 0 {
		t.Errorf("buffer length = %d after turn", n)
	}

	meta, err := f.sessions.Load("u1", key)
	if err != nil {
		t.Fatalf("load meta: %v", err)
	}
	if meta.Status != session.StatusIdle {
		t.Errorf("status = %q, want idle", meta.Status)
	}
	if !agentapi.ValidSessionID(meta.AgentSessionID) {
		t.Errorf("agentSessionId = %q", meta.AgentSessionID)
	}
}

func TestTwoMessagesCoalesced(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("a", "m1", 1), "T1") {
		t.Fatal("first append should win the gate")
	}
	if enqueue(t, f, key, inbound("b", "m2", 2), "T2") {
		t.Fatal("second append must not win a held gate")
	}

	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if agent.promptCalls != 1 {
		t.Fatalf("prompt calls = %d, want 1", agent.promptCalls)
	}
	if got := agent.lastPrompt.Parts[0].Text; got != "a\nb" {
		t.Errorf("merged user text = %q, want %q", got, "a\nb")
	}
	if agent.lastPrompt.MessageID != "msg_m2" {
		t.Errorf("messageID = %q, want msg_m2", agent.lastPrompt.MessageID)
	}

	replies := f.sender.Replies()
	if len(replies) != 1 || replies[0].Content != "ok" {
		t.Fatalf("replies = %+v, want one \"ok\"", replies)
	}
	if replies[0].ReplyToID != "m2" {
		t.Errorf("reply targets %q, want last message m2", replies[0].ReplyToID)
	}
}

func TestTimeoutDoesNotReplayPreviousReply(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000100000)

	agent := newFakeAgent()
	agent.promptFn = func(_ int, _ agentapi.PromptRequest) (*agentapi.PromptResponse, error) {
		return nil, errors.New("request timed out")
	}
	// The only recoverable message predates this turn.
	agent.messages = []agentapi.Message{{
		Info:  agentapi.MessageInfo{ID: "msg_old", Role: "assistant", Time: agentapi.MessageTime{Created: now.UnixMilli() - 1}},
		Parts: []agentapi.Part{{Type: "text", Text: "SECOND=X"}},
	}}

	f := newFixture(t, agent, Config{Now: func() time.Time { return now }})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("third", "m3", now.UnixMilli()), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if agent.promptCalls != maxPromptAttempts {
		t.Errorf("prompt attempts = %d, want %d", agent.promptCalls, maxPromptAttempts)
	}
	if agent.listCalls != 1 {
		t.Errorf("recovery lookups = %d, want exactly 1", agent.listCalls)
	}

	for _, r := range f.sender.Replies() {
		if strings.Contains(r.Content, "SECOND=X") {
			t.Fatalf("stale reply leaked: %q", r.Content)
		}
	}
	replies := f.sender.Replies()
	if len(replies) != 1 || replies[0].Content != apologyUnavailable {
		t.Fatalf("replies = %+v, want one apology", replies)
	}

	for _, e := range f.hist.All(histKey()) {
		if e.Role == history.RoleAssistant {
			t.Fatalf("assistant history appended after failed turn: %+v", e)
		}
	}
}

func TestTimeoutRecoveryAcceptsFreshOutput(t *testing.T) {
	ctx := context.Background()
	now := time.UnixMilli(1700000100000)

	agent := newFakeAgent()
	agent.promptFn = func(_ int, _ agentapi.PromptRequest) (*agentapi.PromptResponse, error) {
		return nil, errors.New("request timed out")
	}
	agent.messages = []agentapi.Message{{
		Info:  agentapi.MessageInfo{ID: "msg_new", Role: "assistant", Time: agentapi.MessageTime{Created: now.UnixMilli() + 5}},
		Parts: []agentapi.Part{{Type: "text", Text: "fresh answer"}},
	}}

	f := newFixture(t, agent, Config{Now: func() time.Time { return now }})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("q", "m1", now.UnixMilli()), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	replies := f.sender.Replies()
	if len(replies) != 1 || replies[0].Content != "fresh answer" {
		t.Fatalf("replies = %+v, want recovered \"fresh answer\"", replies)
	}
}

func TestGateLostAfterPromptRequeuesAndStaysQuiet(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	// Mid-prompt an external actor takes the gate over and appends.
	agent.promptFn = func(_ int, _ agentapi.PromptRequest) (*agentapi.PromptResponse, error) {
		f.buf.InstallGate(key, "T2")
		if err := f.buf.Append(ctx, key, inbound("later", "m9", 9)); err != nil {
			t.Error(err)
		}
		return textResponse("too late"), nil
	}

	if !enqueue(t, f, key, inbound("hi", "m1", 1), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := f.sender.Replies(); len(got) != 0 {
		t.Fatalf("replies = %+v, want none after losing the gate", got)
	}
	if got := f.hist.All(histKey()); len(got) != 0 {
		t.Fatalf("history = %+v, want none after losing the gate", got)
	}

	// Drained batch restored ahead of the later append.
	msgs, err := f.buf.Drain(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Content != "hi" || msgs[1].Content != "later" {
		t.Fatalf("buffer after requeue = %+v", msgs)
	}
}

func TestStaleAgentSessionIDRecreated(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	now := time.Now()
	meta := &session.Meta{
		SessionID:      "s1",
		GroupID:        "0",
		BotID:          "bot1",
		OwnerID:        "u1",
		Status:         session.StatusIdle,
		AgentSessionID: "ses_abc", // unknown to the agent
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := f.sessions.Create(meta); err != nil {
		t.Fatal(err)
	}

	if !enqueue(t, f, key, inbound("hi", "m1", 1), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if agent.createCalls != 1 {
		t.Fatalf("createSession calls = %d, want 1", agent.createCalls)
	}
	fresh, err := f.sessions.Load("u1", key)
	if err != nil {
		t.Fatal(err)
	}
	if fresh.AgentSessionID == "ses_abc" || !agentapi.ValidSessionID(fresh.AgentSessionID) {
		t.Fatalf("agentSessionId = %q, want a fresh id", fresh.AgentSessionID)
	}
	if agent.lastSession != fresh.AgentSessionID {
		t.Errorf("prompt used %q, meta holds %q", agent.lastSession, fresh.AgentSessionID)
	}

	// Second turn reuses the recreated session.
	if !enqueue(t, f, key, inbound("again", "m2", 2), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job2", testJob("T1")); err != nil {
		t.Fatalf("process second turn: %v", err)
	}
	if agent.createCalls != 1 {
		t.Errorf("createSession calls after reuse = %d, want still 1", agent.createCalls)
	}
}

func TestPromptTooBigSkipsAgent(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	f := newFixture(t, agent, Config{
		AgentPrompt:    strings.Repeat("x", 64),
		MaxPromptBytes: 32,
	})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("hello there", "m1", 1), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if agent.promptCalls != 0 {
		t.Fatalf("prompt calls = %d, want 0", agent.promptCalls)
	}
	replies := f.sender.Replies()
	if len(replies) != 1 || replies[0].Content != apologyTooLong {
		t.Fatalf("replies = %+v, want one too-long apology", replies)
	}
	if got := f.hist.All(histKey()); len(got) != 0 {
		t.Fatalf("history = %+v, want none", got)
	}
}

func TestDuplicateJobSkipsSilently(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	f.buf.InstallGate(key, "T-other")
	if err := f.buf.Append(ctx, key, inbound("hi", "m1", 1)); err != nil {
		t.Fatal(err)
	}

	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if agent.promptCalls != 0 || len(f.sender.Replies()) != 0 {
		t.Fatal("duplicate job must not do work")
	}
	if n, _ := f.buf.Len(ctx, key); n != 1 {
		t.Errorf("buffer length = %d, want untouched 1", n)
	}
}

func TestPermanentRejectionGetsOneApologyNoRetries(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	agent.promptFn = func(_ int, _ agentapi.PromptRequest) (*agentapi.PromptResponse, error) {
		return nil, &agentapi.HTTPError{Status: 400, Message: "bad request"}
	}
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("hi", "m1", 1), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}

	if agent.promptCalls != 1 {
		t.Errorf("prompt calls = %d, want 1 (no retry on 4xx)", agent.promptCalls)
	}
	replies := f.sender.Replies()
	if len(replies) != 1 || replies[0].Content != apologyUnavailable {
		t.Fatalf("replies = %+v, want one apology", replies)
	}
	if got := f.hist.All(histKey()); len(got) != 0 {
		t.Fatalf("history = %+v, want none", got)
	}
}

func TestTraceEntryExcludedFromContext(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("hi", "m1", 1), "T1") {
		t.Fatal("append should win the gate")
	}
	data := testJob("T1")
	data.TraceID = "trace-123"
	if err := f.proc.Process(ctx, "job1", data); err != nil {
		t.Fatalf("process: %v", err)
	}

	entries := f.hist.All(histKey())
	var traced *history.Entry
	for i := range entries {
		if entries[i].Role == history.RoleSystem {
			traced = &entries[i]
		}
	}
	if traced == nil {
		t.Fatal("no system trace entry appended")
	}
	if traced.InContext() {
		t.Error("trace entry must be excluded from context")
	}
	if traced.Trace != "trace-123" {
		t.Errorf("trace id = %q", traced.Trace)
	}
}

func TestSelectModel(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		groupID string
		want    agentapi.ModelRef
	}{
		{
			name: "no external provider",
			cfg:  Config{},
			want: agentapi.ModelRef{ProviderID: "opencode", ModelID: "glm-4.7-free"},
		},
		{
			name: "external default is first allowed",
			cfg:  Config{ExternalProvider: true, AllowedModels: []string{"gpt-5", "claude"}},
			want: agentapi.ModelRef{ProviderID: "litellm", ModelID: "gpt-5"},
		},
		{
			name: "group override in allowlist wins",
			cfg: Config{
				ExternalProvider: true,
				AllowedModels:    []string{"gpt-5", "claude"},
				GroupModels:      map[string]string{"g1": "claude"},
			},
			groupID: "g1",
			want:    agentapi.ModelRef{ProviderID: "litellm", ModelID: "claude"},
		},
		{
			name: "override outside allowlist falls back",
			cfg: Config{
				ExternalProvider: true,
				AllowedModels:    []string{"gpt-5"},
				GroupModels:      map[string]string{"g1": "mystery"},
			},
			groupID: "g1",
			want:    agentapi.ModelRef{ProviderID: "litellm", ModelID: "gpt-5"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg, Deps{})
			if got := p.selectModel(tt.groupID); got != tt.want {
				t.Errorf("selectModel = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestToolPolicy(t *testing.T) {
	build := toolPolicy(ContextBuild)
	if !build["bash"] || !build["write"] {
		t.Errorf("build policy = %v, want workspace tools enabled", build)
	}
	play := toolPolicy(ContextPlay)
	if play["bash"] || play["write"] {
		t.Errorf("play policy = %v, want mutating tools disabled", play)
	}
	if !play["read"] || !play["grep"] {
		t.Errorf("play policy = %v, want read tools enabled", play)
	}
}

func TestEmptyContentPromptsWithSpace(t *testing.T) {
	ctx := context.Background()
	agent := newFakeAgent()
	f := newFixture(t, agent, Config{})
	key := testConvKey(t)

	if !enqueue(t, f, key, inbound("   ", "m1", 1), "T1") {
		t.Fatal("append should win the gate")
	}
	if err := f.proc.Process(ctx, "job1", testJob("T1")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := agent.lastPrompt.Parts[0].Text; got != " " {
		t.Errorf("resolved input = %q, want single space", got)
	}
}
