package processor

import (
	"strings"

	"github.com/nextlevelbuilder/agentrelay/internal/agentapi"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
)

// batch is one drained buffer slice merged into a single agent turn.
type batch struct {
	// userText is the trimmed message contents joined with newlines.
	userText string
	first    session.Event
	// last supplies the reply coordinates (channel, message id).
	last session.Event
}

func mergeBatch(msgs []session.Event) batch {
	var lines []string
	for _, m := range msgs {
		if c := strings.TrimSpace(m.Content); c != "" {
			lines = append(lines, c)
		}
	}
	return batch{
		userText: strings.Join(lines, "\n"),
		first:    msgs[0],
		last:     msgs[len(msgs)-1],
	}
}

// buildSystem assembles the system prompt: the configured base prompt plus a
// user-profile block when the session has learned any names.
func (p *Processor) buildSystem(meta *session.Meta) string {
	var sb strings.Builder
	sb.WriteString(p.cfg.AgentPrompt)
	if meta.DisplayName != "" || meta.PreferredName != "" {
		sb.WriteString("\n\n## User profile\n")
		if meta.PreferredName != "" {
			sb.WriteString("Preferred name: " + meta.PreferredName + "\n")
		}
		if meta.DisplayName != "" {
			sb.WriteString("Display name: " + meta.DisplayName + "\n")
		}
	}
	return sb.String()
}

func (p *Processor) buildPromptRequest(st *turn, system string, b batch) agentapi.PromptRequest {
	input := b.userText
	if input == "" {
		// The agent API rejects empty text parts; attachment-only or
		// whitespace-only batches still need a turn.
		input = " "
	}

	req := agentapi.PromptRequest{
		System: system,
		Model:  p.selectModel(st.key.GroupID),
		Tools:  toolPolicy(p.classify(st.key)),
		Parts:  []agentapi.Part{{Type: "text", Text: input}},
	}
	if b.last.MessageID != "" {
		// Deterministic id makes a retried turn idempotent on the agent.
		req.MessageID = "msg_" + b.last.MessageID
	}
	return req
}

func (p *Processor) classify(key session.Key) ContextKind {
	if p.cfg.Classify == nil {
		return ContextBuild
	}
	return p.cfg.Classify(key)
}

// selectModel routes to the external provider when one is configured,
// honoring per-group overrides that appear in the allowlist. Otherwise the
// agent's built-in free model is used.
func (p *Processor) selectModel(groupID string) agentapi.ModelRef {
	if !p.cfg.ExternalProvider || len(p.cfg.AllowedModels) == 0 {
		return agentapi.ModelRef{ProviderID: "opencode", ModelID: "glm-4.7-free"}
	}
	model := p.cfg.AllowedModels[0]
	if override := p.cfg.GroupModels[groupID]; override != "" {
		for _, allowed := range p.cfg.AllowedModels {
			if allowed == override {
				model = override
				break
			}
		}
	}
	return agentapi.ModelRef{ProviderID: "litellm", ModelID: model}
}

// toolPolicy maps a context kind to the agent tool allowlist. Build contexts
// get the full workspace toolset; play contexts are read-only.
func toolPolicy(kind ContextKind) map[string]bool {
	switch kind {
	case ContextPlay:
		return map[string]bool{
			"bash":      false,
			"edit":      false,
			"write":     false,
			"patch":     false,
			"todowrite": false,
			"read":      true,
			"grep":      true,
			"glob":      true,
			"list":      true,
			"todoread":  true,
			"webfetch":  true,
		}
	default:
		return map[string]bool{
			"bash":      true,
			"edit":      true,
			"write":     true,
			"patch":     true,
			"read":      true,
			"grep":      true,
			"glob":      true,
			"list":      true,
			"todowrite": true,
			"todoread":  true,
			"webfetch":  true,
		}
	}
}
