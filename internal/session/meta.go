package session

import "time"

// Status is the coarse lifecycle state of a conversation session.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// Meta is the per-conversation metadata record. It is one-to-one with a
// conversation key, created lazily on the first job, and mutated only by the
// processor currently holding the gate. Always written whole-record.
type Meta struct {
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
	BotID     string `json:"botId"`
	OwnerID   string `json:"ownerId"`
	Key       int    `json:"key"`
	Status    Status `json:"status"`

	// AgentSessionID is the remote agent's session id ("ses_..."), reused
	// across turns until the agent reports it missing.
	AgentSessionID string `json:"agentSessionId,omitempty"`

	// Best-known names for the user-profile block of the system prompt.
	DisplayName   string `json:"displayName,omitempty"`
	PreferredName string `json:"preferredName,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ConversationKey returns the conversation key this record belongs to.
func (m *Meta) ConversationKey() Key {
	return Key{BotID: m.BotID, GroupID: m.GroupID, SessionID: m.SessionID}
}
