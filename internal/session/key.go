// Package session holds the conversation data model: the conversation key,
// inbound message snapshots, session metadata, and the file-backed metadata
// repository.
//
// Conversation keys follow the canonical colon-joined format used across
// Redis:
//
//	Buffer list:  session:buffer:{botId}:{groupId}:{sessionId}
//	Gate string:  session:gate:{botId}:{groupId}:{sessionId}
//	Activity set: session:last-active (member = {botId}:{groupId}:{sessionId})
//
// groupId "0" denotes a direct-message channel.
package session

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/ident"
)

// DirectGroupID marks a DM conversation in the groupId slot.
const DirectGroupID = "0"

// Key identifies one conversation thread.
type Key struct {
	BotID     string
	GroupID   string
	SessionID string
}

// NewKey builds a validated conversation key.
func NewKey(botID, groupID, sessionID string) (Key, error) {
	k := Key{BotID: botID, GroupID: groupID, SessionID: sessionID}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate checks every segment against the safe identifier alphabet.
func (k Key) Validate() error {
	if err := ident.Check("botId", k.BotID); err != nil {
		return err
	}
	if err := ident.Check("groupId", k.GroupID); err != nil {
		return err
	}
	return ident.Check("sessionId", k.SessionID)
}

// String returns the colon-joined member form: {botId}:{groupId}:{sessionId}.
func (k Key) String() string {
	return k.BotID + ":" + k.GroupID + ":" + k.SessionID
}

// BufferKey returns the Redis list key holding buffered inbound messages.
func (k Key) BufferKey() string {
	return "session:buffer:" + k.String()
}

// GateKey returns the Redis string key holding the gate token.
func (k Key) GateKey() string {
	return "session:gate:" + k.String()
}

// IsDirect reports whether the conversation is a DM.
func (k Key) IsDirect() bool {
	return k.GroupID == DirectGroupID
}

// ParseKey parses the colon-joined member form back into a Key.
// Returns an error when the member is malformed or any segment is unsafe.
func ParseKey(member string) (Key, error) {
	parts := strings.SplitN(member, ":", 3)
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("malformed conversation key: %q", member)
	}
	return NewKey(parts[0], parts[1], parts[2])
}
