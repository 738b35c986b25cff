package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// Producer is the ingress side: it buffers an inbound event and enqueues a
// processing job only when the append also won the gate. Losing the gate is
// the common case in a burst; the live holder drains those events.
type Producer struct {
	store buffer.Store
	queue *Queue
	log   *slog.Logger
}

func NewProducer(store buffer.Store, q *Queue) *Producer {
	return &Producer{store: store, queue: q, log: slog.Default()}
}

// Submit appends ev to the conversation buffer and, when the append acquired
// the gate, enqueues a job carrying the gate token. Returns whether a job
// was enqueued.
func (p *Producer) Submit(ctx context.Context, key session.Key, ev session.Event, conversationKey int) (bool, error) {
	token := uuid.NewString()

	data := session.JobData{
		BotID:      key.BotID,
		GroupID:    key.GroupID,
		SessionID:  key.SessionID,
		UserID:     ev.UserID,
		Key:        conversationKey,
		GateToken:  token,
		TraceID:    uuid.NewString(),
		EnqueuedAt: ev.Timestamp,
	}
	// Fail-closed before the event reaches the buffer.
	if err := data.Validate(); err != nil {
		return false, err
	}

	won, err := p.store.AppendAndRequestJob(ctx, key, ev, token)
	if err != nil {
		return false, fmt.Errorf("buffer inbound event: %w", err)
	}
	if !won {
		return false, nil
	}

	if _, err := p.queue.Enqueue(ctx, data); err != nil {
		// A held gate with no job would wedge the conversation until the
		// TTL lapses; give it back so the next append can retry.
		if _, relErr := p.store.ReleaseGate(ctx, key, token); relErr != nil {
			p.log.Error("gate release after enqueue failure failed",
				"key", key.String(), "error", relErr)
		}
		return false, fmt.Errorf("enqueue job: %w", err)
	}
	return true, nil
}
