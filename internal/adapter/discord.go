package adapter

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// discordMessageLimit is Discord's hard cap per message.
const discordMessageLimit = 2000

// DiscordSender delivers replies through a Discord bot session. Reference
// ReplySender implementation; other platforms plug in the same way.
type DiscordSender struct {
	session *discordgo.Session
}

// NewDiscordSender opens a Discord session from a bot token.
func NewDiscordSender(token string) (*DiscordSender, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}
	return &DiscordSender{session: session}, nil
}

// Close shuts the gateway connection down.
func (s *DiscordSender) Close() error {
	return s.session.Close()
}

func (s *DiscordSender) SendReply(ctx context.Context, r Reply) error {
	for _, chunk := range chunkMessage(r.Content, discordMessageLimit) {
		msg := &discordgo.MessageSend{Content: chunk}
		// Reply-reference only the first chunk; follow-ups read as a thread.
		if r.ReplyToID != "" && msg.Reference == nil {
			msg.Reference = &discordgo.MessageReference{
				MessageID: r.ReplyToID,
				ChannelID: r.ChannelID,
			}
		}
		if _, err := s.session.ChannelMessageSendComplex(r.ChannelID, msg, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
		r.ReplyToID = ""
	}
	return nil
}

// chunkMessage splits content on the platform limit, preferring newline
// boundaries so code blocks and paragraphs stay readable.
func chunkMessage(content string, limit int) []string {
	if content == "" {
		return nil
	}
	var chunks []string
	for len(content) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if content[i] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, content[:cut])
		content = content[cut:]
		if len(content) > 0 && content[0] == '\n' {
			content = content[1:]
		}
	}
	if content != "" {
		chunks = append(chunks, content)
	}
	return chunks
}
