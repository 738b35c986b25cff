package processor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentrelay/internal/agentapi"
)

const maxPromptAttempts = 3

// promptWithRetry calls the agent up to maxPromptAttempts times with
// exponential backoff. Only transient failures are retried; a permanent
// rejection surfaces immediately.
func (p *Processor) promptWithRetry(ctx context.Context, st *turn, req agentapi.PromptRequest) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxPromptAttempts; attempt++ {
		resp, err := p.agent.Prompt(ctx, st.workspace, st.meta.AgentSessionID, req)
		if err == nil {
			return resp.TextOf(), nil
		}
		lastErr = err
		if !isRetryable(err) {
			return "", err
		}
		st.log.Warn("agent prompt attempt failed", "attempt", attempt, "error", err)
		if attempt < maxPromptAttempts {
			delay := p.cfg.RetryBaseDelay << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return "", lastErr
}

// isRetryable reports whether a prompt failure is worth another attempt.
// Network and timeout errors are transient by assumption; HTTP failures
// follow status: 5xx, 408 and 429 retry, other 4xx do not.
func isRetryable(err error) bool {
	var httpErr *agentapi.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status >= 500:
			return true
		case httpErr.Status == 408 || httpErr.Status == 429:
			return true
		default:
			return false
		}
	}
	return true
}

// isPermanent reports whether the failure means the agent rejected the
// request outright, so retries and recovery are both pointless.
func isPermanent(err error) bool {
	var httpErr *agentapi.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status >= 400 && httpErr.Status < 500 &&
			httpErr.Status != 408 && httpErr.Status != 429
	}
	return false
}

// recoverTurn checks whether the agent finished the turn despite our call
// aborting. It accepts the newest assistant message only when its creation
// time is strictly after the turn started; anything older is the previous
// reply and must never be resent.
func (p *Processor) recoverTurn(ctx context.Context, st *turn, turnStartedMs int64) string {
	msgs, err := p.agent.ListMessages(ctx, st.workspace, st.meta.AgentSessionID)
	if err != nil {
		st.log.Warn("turn recovery lookup failed", "error", err)
		return ""
	}

	var newest *agentapi.Message
	for i := range msgs {
		m := &msgs[i]
		if m.Info.Role != "assistant" {
			continue
		}
		if newest == nil || m.Info.Time.Created > newest.Info.Time.Created {
			newest = m
		}
	}
	if newest == nil || newest.Info.Time.Created <= turnStartedMs {
		return ""
	}
	return strings.TrimSpace(newest.TextOf())
}
