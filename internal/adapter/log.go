package adapter

import (
	"context"
	"log/slog"
)

// LogSender writes replies to the log instead of a chat platform. Used when
// no platform credentials are configured, so a worker can run end to end in
// development without delivering anywhere.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender() *LogSender {
	return &LogSender{log: slog.Default()}
}

func (s *LogSender) SendReply(_ context.Context, r Reply) error {
	s.log.Info("reply (no platform sender configured)",
		"platform", r.Platform,
		"channelId", r.ChannelID,
		"replyToId", r.ReplyToID,
		"bytes", len(r.Content),
	)
	return nil
}
