// Package agentapi is the HTTP client for the external code-agent server.
//
// The agent owns conversation sessions and emits assistant text; the core
// only creates/looks up sessions and issues synchronous prompts. Every
// request carries the session workspace as the x-opencode-directory header,
// because the agent resolves session state relative to that directory.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	directoryHeader = "x-opencode-directory"

	// DefaultTimeout bounds session bookkeeping calls; DefaultWaitTimeout
	// bounds the synchronous prompt, which can legitimately run minutes.
	DefaultTimeout     = 15 * time.Second
	DefaultWaitTimeout = 5 * time.Minute
)

// Config configures a Client.
type Config struct {
	BaseURL     string
	Username    string // optional basic auth
	Password    string
	Timeout     time.Duration // per-request; 0 = DefaultTimeout
	WaitTimeout time.Duration // prompt requests; 0 = DefaultWaitTimeout
}

// Client talks to one agent server.
type Client struct {
	baseURL     string
	username    string
	password    string
	timeout     time.Duration
	waitTimeout time.Duration
	httpc       *http.Client
}

func NewClient(cfg Config) (*Client, error) {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("agent server URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid agent server URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}

	return &Client{
		baseURL:     base,
		username:    cfg.Username,
		password:    cfg.Password,
		timeout:     timeout,
		waitTimeout: waitTimeout,
		// Per-request deadlines come from the context; the transport
		// itself stays unbounded so prompt calls can outlive Timeout.
		httpc: &http.Client{},
	}, nil
}

// CreateSession creates a fresh agent session rooted at directory.
func (c *Client) CreateSession(ctx context.Context, directory, title string) (*SessionInfo, error) {
	body := map[string]string{}
	if title != "" {
		body["title"] = title
	}
	var info SessionInfo
	if err := c.do(ctx, http.MethodPost, "/session", directory, c.timeout, body, &info); err != nil {
		return nil, err
	}
	if !ValidSessionID(info.ID) {
		return nil, fmt.Errorf("agent returned unrecognizable session id %q", info.ID)
	}
	return &info, nil
}

// GetSession looks up a session. A 404 maps to (nil, nil).
func (c *Client) GetSession(ctx context.Context, directory, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID), directory, c.timeout, nil, &info)
	if err != nil {
		if he := asHTTPError(err); he != nil && he.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

// DeleteSession removes a session. Returns false on 404.
func (c *Client) DeleteSession(ctx context.Context, directory, sessionID string) (bool, error) {
	err := c.do(ctx, http.MethodDelete, "/session/"+url.PathEscape(sessionID), directory, c.timeout, nil, nil)
	if err != nil {
		if he := asHTTPError(err); he != nil && he.Status == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListMessages returns the session's stored messages. Used only for
// timeout recovery after an aborted prompt.
func (c *Client) ListMessages(ctx context.Context, directory, sessionID string) ([]Message, error) {
	var msgs []Message
	err := c.do(ctx, http.MethodGet, "/session/"+url.PathEscape(sessionID)+"/message", directory, c.timeout, nil, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Prompt runs one synchronous agent turn. Bounded by the wait timeout; the
// caller's ctx may impose a tighter deadline or cancellation.
func (c *Client) Prompt(ctx context.Context, directory, sessionID string, req PromptRequest) (*PromptResponse, error) {
	var resp PromptResponse
	err := c.do(ctx, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message", directory, c.waitTimeout, req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path, directory string, timeout time.Duration, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if directory != "" {
		req.Header.Set(directoryHeader, directory)
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &HTTPError{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func asHTTPError(err error) *HTTPError {
	var he *HTTPError
	if errors.As(err, &he) {
		return he
	}
	return nil
}
