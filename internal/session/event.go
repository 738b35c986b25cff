package session

import (
	"errors"

	"github.com/nextlevelbuilder/agentrelay/internal/ident"
)

var (
	errNegativeKey  = errors.New("job key must be a non-negative integer")
	errMissingToken = errors.New("job is missing a gate token")
)

// Element is one structured piece of an inbound message (text, image ref,
// mention, ...). The core only forwards elements; adapters own their meaning.
type Element struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Event is the immutable snapshot of one inbound platform message, taken at
// ingress and serialized into the conversation buffer.
type Event struct {
	Platform  string            `json:"platform"`
	SelfID    string            `json:"selfId"`
	UserID    string            `json:"userId"`
	ChannelID string            `json:"channelId"`
	GuildID   string            `json:"guildId,omitempty"`
	MessageID string            `json:"messageId,omitempty"`
	Content   string            `json:"content"`
	Elements  []Element         `json:"elements,omitempty"`
	Timestamp int64             `json:"timestamp"` // unix ms
	Extras    map[string]string `json:"extras,omitempty"`
}

// BotAccountID returns the history-store bot account id: {platform}:{selfId}.
func (e Event) BotAccountID() string {
	return e.Platform + ":" + e.SelfID
}

// JobData is the payload carried by one durable queue job. GateToken must
// match the current gate holder before the job may drive the conversation.
type JobData struct {
	BotID      string `json:"botId"`
	GroupID    string `json:"groupId"`
	SessionID  string `json:"sessionId"`
	UserID     string `json:"userId"`
	Key        int    `json:"key"`
	GateToken  string `json:"gateToken"`
	TraceID    string `json:"traceId,omitempty"`
	EnqueuedAt int64  `json:"enqueuedAt,omitempty"` // unix ms
}

// ConversationKey rebuilds the validated conversation key from job data.
func (d JobData) ConversationKey() (Key, error) {
	return NewKey(d.BotID, d.GroupID, d.SessionID)
}

// Validate checks job identifiers before any side effect (fail-closed).
func (d JobData) Validate() error {
	k := Key{BotID: d.BotID, GroupID: d.GroupID, SessionID: d.SessionID}
	if err := k.Validate(); err != nil {
		return err
	}
	if err := ident.Check("userId", d.UserID); err != nil {
		return err
	}
	if d.Key < 0 {
		return errNegativeKey
	}
	if d.GateToken == "" {
		return errMissingToken
	}
	return nil
}
