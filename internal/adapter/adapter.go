// Package adapter is the outbound edge of the core: the processor hands it
// finished assistant text and the platform-specific implementation delivers
// it. Ingress (mention parsing, attachments) lives outside the core.
package adapter

import "context"

// Reply is one outbound message, addressed with the platform coordinates of
// the inbound message that triggered the turn.
type Reply struct {
	Platform  string
	ChannelID string
	// ReplyToID is the upstream message id to thread/reply against, when
	// the platform supports it.
	ReplyToID string
	Content   string
}

// ReplySender delivers replies to the chat platform.
type ReplySender interface {
	SendReply(ctx context.Context, r Reply) error
}
