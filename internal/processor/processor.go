// Package processor orchestrates one queue job: claim the gate, drain the
// conversation buffer in batches, drive the agent, deliver the reply, and
// record history, with failure semantics that never duplicate, drop, or
// replay stale replies.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentrelay/internal/activity"
	"github.com/nextlevelbuilder/agentrelay/internal/adapter"
	"github.com/nextlevelbuilder/agentrelay/internal/agentapi"
	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/gate"
	"github.com/nextlevelbuilder/agentrelay/internal/history"
	"github.com/nextlevelbuilder/agentrelay/internal/redact"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// Canned user-visible replies for turns the core cannot complete.
const (
	apologyUnavailable = "Sorry — I couldn't get a response from the agent this time. Please try again in a moment."
	apologyTooLong     = "Sorry — that message is too long for me to process. Please try something shorter."
)

// Agent is the slice of the agent client the processor consumes.
type Agent interface {
	CreateSession(ctx context.Context, directory, title string) (*agentapi.SessionInfo, error)
	GetSession(ctx context.Context, directory, sessionID string) (*agentapi.SessionInfo, error)
	ListMessages(ctx context.Context, directory, sessionID string) ([]agentapi.Message, error)
	Prompt(ctx context.Context, directory, sessionID string, req agentapi.PromptRequest) (*agentapi.PromptResponse, error)
}

// ContextKind selects the tool policy for a conversation.
type ContextKind string

const (
	ContextBuild ContextKind = "build"
	ContextPlay  ContextKind = "play"
)

// Config tunes prompt construction and retry behavior.
type Config struct {
	// AgentPrompt is the base system prompt sent on every turn.
	AgentPrompt string

	// MaxPromptBytes caps len(system)+len(user text) per turn. 0 = off.
	MaxPromptBytes int

	// ExternalProvider enables litellm model routing; AllowedModels is the
	// CSV-configured allowlist and GroupModels the per-group overrides.
	ExternalProvider bool
	AllowedModels    []string
	GroupModels      map[string]string

	// Classify decides build vs play per conversation. nil = always build.
	Classify func(session.Key) ContextKind

	// RetryBaseDelay is the first prompt-retry backoff. 0 = 500ms.
	RetryBaseDelay time.Duration

	// Now is the clock. nil = time.Now. Test hook.
	Now func() time.Time
}

// Deps wires the processor's collaborators. Everything is an interface with
// a production and an in-memory implementation; no global state.
type Deps struct {
	Buffers  buffer.Store
	Activity activity.Index
	History  history.Store
	Sessions *session.Repository
	Agent    Agent
	Sender   adapter.ReplySender
}

// Processor handles queue jobs for conversations.
type Processor struct {
	cfg      Config
	buffers  buffer.Store
	activity activity.Index
	history  history.Store
	sessions *session.Repository
	agent    Agent
	sender   adapter.ReplySender
	tracer   trace.Tracer
	log      *slog.Logger
}

func New(cfg Config, deps Deps) *Processor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Processor{
		cfg:      cfg,
		buffers:  deps.Buffers,
		activity: deps.Activity,
		history:  deps.History,
		sessions: deps.Sessions,
		agent:    deps.Agent,
		sender:   deps.Sender,
		tracer:   otel.Tracer("agentrelay/processor"),
		log:      slog.Default(),
	}
}

func (p *Processor) now() time.Time { return p.cfg.Now() }

// turn carries per-job state across batches.
type turn struct {
	key           session.Key
	data          session.JobData
	meta          *session.Meta
	workspace     string
	markedRunning bool
	log           *slog.Logger
}

// Process runs one queue job to completion.
func (p *Processor) Process(ctx context.Context, jobID string, data session.JobData) error {
	key, err := data.ConversationKey()
	if err != nil {
		return err
	}

	log := p.log.With(
		"traceId", data.TraceID,
		"jobId", jobID,
		"botId", data.BotID,
		"groupId", data.GroupID,
		"sessionId", data.SessionID,
		"userId", data.UserID,
	)

	owned, err := p.buffers.ClaimGate(ctx, key, data.GateToken)
	if err != nil {
		return fmt.Errorf("claim gate at job start: %w", err)
	}
	if !owned {
		// Duplicate enqueue; the live holder drives the conversation.
		log.Info("gate held elsewhere, skipping job")
		return nil
	}

	st := &turn{key: key, data: data, log: log}
	res, runErr := gate.Run(ctx, p.buffers, key, data.GateToken, func(ctx context.Context, msgs []session.Event) (gate.BatchResult, error) {
		return p.onBatch(ctx, st, msgs)
	})

	// Restore idle status only while ownership is certain. After a lost
	// gate the new holder owns the record.
	if st.meta != nil && st.markedRunning {
		switch {
		case runErr == nil && res == gate.Drained:
			p.setIdle(st)
		case runErr != nil:
			if ok, _ := p.buffers.RefreshGate(ctx, key, data.GateToken); ok {
				p.setIdle(st)
			}
		}
	}

	if runErr != nil {
		return fmt.Errorf("process %s: %w", key, runErr)
	}
	log.Info("job finished", "result", res.String())
	return nil
}

func (p *Processor) setIdle(st *turn) {
	st.meta.Status = session.StatusIdle
	st.meta.UpdatedAt = p.now()
	if err := p.sessions.UpdateMeta(st.meta); err != nil {
		st.log.Warn("failed to restore idle status", "error", err)
	}
}

// onBatch handles one drained batch of buffered messages as a single agent
// turn. An error return restores the batch to the buffer head and bubbles to
// the queue for retry.
func (p *Processor) onBatch(ctx context.Context, st *turn, msgs []session.Event) (res gate.BatchResult, err error) {
	defer func() {
		if err != nil {
			if reqErr := p.buffers.RequeueFront(ctx, st.key, msgs); reqErr != nil {
				st.log.Error("requeue after failure failed", "error", reqErr)
			}
		}
	}()

	if st.meta == nil {
		if err := p.startTurnState(ctx, st); err != nil {
			return gate.Continue, err
		}
	}

	_, buildSpan := p.tracer.Start(ctx, "prompt.build")
	b := mergeBatch(msgs)
	system := p.buildSystem(st.meta)
	buildSpan.End()

	if p.cfg.MaxPromptBytes > 0 && len(system)+len(b.userText) > p.cfg.MaxPromptBytes {
		st.log.Warn("prompt exceeds byte limit, refusing turn",
			"bytes", len(system)+len(b.userText), "limit", p.cfg.MaxPromptBytes)
		p.sendApology(ctx, st, b, apologyTooLong)
		return gate.Continue, nil
	}

	if err := p.ensureAgentSession(ctx, st); err != nil {
		st.log.Error("ensure agent session failed", "error", err)
		p.sendApology(ctx, st, b, apologyUnavailable)
		return gate.Continue, nil
	}

	req := p.buildPromptRequest(st, system, b)
	turnStarted := p.now().UnixMilli()

	callCtx, span := p.tracer.Start(ctx, "agent.call", trace.WithAttributes(
		attribute.String("session.key", st.key.String()),
		attribute.String("agent.session_id", st.meta.AgentSessionID),
	))
	text, promptErr := p.promptWithRetry(callCtx, st, req)
	span.End()

	if promptErr != nil && isPermanent(promptErr) {
		st.log.Error("agent rejected prompt", "error", promptErr)
		p.sendApology(ctx, st, b, apologyUnavailable)
		return gate.Continue, nil
	}

	if promptErr != nil || strings.TrimSpace(text) == "" {
		// The agent may have finished the turn even though our call
		// aborted. Accept its output only when it is provably from
		// this turn; never replay the previous reply.
		if promptErr != nil {
			st.log.Warn("prompt failed after retries, attempting recovery", "error", promptErr)
		}
		text = p.recoverTurn(ctx, st, turnStarted)
		if strings.TrimSpace(text) == "" {
			p.sendApology(ctx, st, b, apologyUnavailable)
			// The turn still happened from the user's perspective.
			p.appendHistory(ctx, st, b, "")
			p.recordActivity(ctx, st)
			return gate.Continue, nil
		}
		st.log.Info("recovered assistant output after aborted prompt")
	}

	// The reply must belong to a conversation we still own.
	owned, err := p.buffers.ClaimGate(ctx, st.key, st.data.GateToken)
	if err != nil {
		return gate.Continue, fmt.Errorf("ownership re-check: %w", err)
	}
	if !owned {
		st.log.Warn("gate lost after prompt, restoring batch")
		if reqErr := p.buffers.RequeueFront(ctx, st.key, msgs); reqErr != nil {
			st.log.Error("requeue on lost gate failed", "error", reqErr)
		}
		return gate.Lost, nil
	}

	text = strings.TrimSpace(redact.Apply(text))

	sendCtx, sendSpan := p.tracer.Start(ctx, "reply.send")
	sendErr := p.sender.SendReply(sendCtx, adapter.Reply{
		Platform:  b.last.Platform,
		ChannelID: b.last.ChannelID,
		ReplyToID: b.last.MessageID,
		Content:   text,
	})
	sendSpan.End()
	if sendErr != nil {
		// Delivery failures are not retried: a second prompt for the
		// same batch would duplicate the agent turn.
		st.log.Error("reply delivery failed", "error", sendErr)
	}

	p.appendHistory(ctx, st, b, text)
	p.recordActivity(ctx, st)
	return gate.Continue, nil
}

// startTurnState loads or creates the session record and marks it running.
// Runs once per job, on the first batch.
func (p *Processor) startTurnState(ctx context.Context, st *turn) error {
	_, span := p.tracer.Start(ctx, "session.ensure")
	defer span.End()

	meta, err := p.sessions.Load(st.data.UserID, st.key)
	if errors.Is(err, session.ErrNotFound) {
		now := p.now()
		meta = &session.Meta{
			SessionID: st.key.SessionID,
			GroupID:   st.key.GroupID,
			BotID:     st.key.BotID,
			OwnerID:   st.data.UserID,
			Key:       st.data.Key,
			Status:    session.StatusIdle,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := p.sessions.Create(meta); err != nil {
			return fmt.Errorf("create session meta: %w", err)
		}
		st.log.Info("created session meta")
	} else if err != nil {
		return fmt.Errorf("load session meta: %w", err)
	}

	ws, err := p.sessions.WorkspaceDir(meta)
	if err != nil {
		return err
	}

	st.meta = meta
	st.workspace = ws
	p.recordActivity(ctx, st)

	meta.Status = session.StatusRunning
	meta.UpdatedAt = p.now()
	if err := p.sessions.UpdateMeta(meta); err != nil {
		return fmt.Errorf("mark session running: %w", err)
	}
	st.markedRunning = true
	return nil
}

// ensureAgentSession guarantees meta.AgentSessionID points at a live agent
// session, creating and persisting a new one when the stored id is missing
// or unrecognizable.
func (p *Processor) ensureAgentSession(ctx context.Context, st *turn) error {
	meta := st.meta
	if agentapi.ValidSessionID(meta.AgentSessionID) {
		info, err := p.agent.GetSession(ctx, st.workspace, meta.AgentSessionID)
		if err != nil {
			return fmt.Errorf("look up agent session: %w", err)
		}
		if info != nil {
			return nil
		}
		st.log.Warn("agent session missing, creating a new one", "stale", meta.AgentSessionID)
	}

	info, err := p.agent.CreateSession(ctx, st.workspace, "chat "+st.key.String())
	if err != nil {
		return fmt.Errorf("create agent session: %w", err)
	}

	meta.AgentSessionID = info.ID
	meta.UpdatedAt = p.now()
	if err := p.sessions.UpdateMeta(meta); err != nil {
		return fmt.Errorf("persist agent session id: %w", err)
	}
	st.log.Info("agent session created", "agentSessionId", info.ID)
	return nil
}

func (p *Processor) sendApology(ctx context.Context, st *turn, b batch, text string) {
	err := p.sender.SendReply(ctx, adapter.Reply{
		Platform:  b.last.Platform,
		ChannelID: b.last.ChannelID,
		ReplyToID: b.last.MessageID,
		Content:   text,
	})
	if err != nil {
		st.log.Error("apology delivery failed", "error", err)
	}
}

// appendHistory records the turn: the user input, an out-of-context trace
// entry when the job carries a trace id, and the assistant reply when one
// was produced.
func (p *Processor) appendHistory(ctx context.Context, st *turn, b batch, assistantText string) {
	histCtx, span := p.tracer.Start(ctx, "history.append")
	defer span.End()

	hkey := history.Key{BotAccountID: b.last.BotAccountID(), UserID: st.meta.OwnerID}

	userAt := p.now()
	if b.first.Timestamp > 0 {
		userAt = time.UnixMilli(b.first.Timestamp)
	}
	entries := []history.Entry{{
		Role:      history.RoleUser,
		Content:   b.userText,
		CreatedAt: userAt,
		GroupID:   st.key.GroupID,
		SessionID: st.key.SessionID,
	}}

	if st.data.TraceID != "" {
		excluded := false
		entries = append(entries, history.Entry{
			Role:             history.RoleSystem,
			Content:          fmt.Sprintf("turn trace: agent session %s", st.meta.AgentSessionID),
			CreatedAt:        p.now(),
			GroupID:          st.key.GroupID,
			SessionID:        st.key.SessionID,
			IncludeInContext: &excluded,
			Trace:            st.data.TraceID,
		})
	}

	if assistantText != "" {
		entries = append(entries, history.Entry{
			Role:      history.RoleAssistant,
			Content:   assistantText,
			CreatedAt: p.now(),
			GroupID:   st.key.GroupID,
			SessionID: st.key.SessionID,
		})
	}

	for _, e := range entries {
		if err := p.history.Append(histCtx, hkey, e); err != nil {
			st.log.Error("history append failed", "role", string(e.Role), "error", err)
		}
	}
}

func (p *Processor) recordActivity(ctx context.Context, st *turn) {
	if err := p.activity.RecordActivity(ctx, st.key, p.now()); err != nil {
		st.log.Warn("record activity failed", "error", err)
	}
}
