package agentapi

import (
	"fmt"
	"regexp"
)

// HTTPError carries the upstream status code so callers can classify
// failures (retryable 5xx/timeout vs permanent 4xx vs 404 recovery).
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent server returned %d", e.Status)
	}
	return fmt.Sprintf("agent server returned %d: %s", e.Status, e.Message)
}

var sessionIDPattern = regexp.MustCompile(`^ses_[A-Za-z0-9]+$`)

// ValidSessionID reports whether id looks like an agent session id.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// SessionInfo describes a remote agent session.
type SessionInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Part is one piece of a message body. The core only produces and consumes
// text parts; other types pass through untouched.
type Part struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// MessageTime carries the agent's numeric creation timestamp (unix ms).
type MessageTime struct {
	Created int64 `json:"created"`
}

// MessageInfo is the envelope of one stored agent message.
type MessageInfo struct {
	ID   string      `json:"id"`
	Role string      `json:"role"`
	Time MessageTime `json:"time"`
}

// Message is one stored message with its parts, as returned by ListMessages.
type Message struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// ModelRef selects the provider/model pair for a prompt.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// PromptRequest is the body of one synchronous agent turn.
type PromptRequest struct {
	System    string          `json:"system,omitempty"`
	Model     ModelRef        `json:"model"`
	Tools     map[string]bool `json:"tools,omitempty"`
	Parts     []Part          `json:"parts"`
	MessageID string          `json:"messageID,omitempty"`
}

// PromptResponse is the completed assistant message for one turn.
type PromptResponse struct {
	Info  MessageInfo `json:"info"`
	Parts []Part      `json:"parts"`
}

// TextOf concatenates the text parts of a response.
func (r *PromptResponse) TextOf() string {
	return joinTextParts(r.Parts)
}

// TextOf concatenates the text parts of a stored message.
func (m *Message) TextOf() string {
	return joinTextParts(m.Parts)
}

func joinTextParts(parts []Part) string {
	var out string
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}
