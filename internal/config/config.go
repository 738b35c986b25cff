// Package config loads the worker's configuration from the environment.
// A .env file in the working directory is honored for local development;
// real deployments set the variables directly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for everything the environment leaves unset.
const (
	DefaultAgentTimeout     = 30 * time.Second
	DefaultAgentWaitTimeout = 10 * time.Minute
	DefaultGateTTL          = 60 * time.Second
	DefaultConcurrency      = 4
	DefaultIdleAfter        = 72 * time.Hour
	DefaultReaperSchedule   = "*/10 * * * *"
)

// Agent configures the HTTP client for the code-agent server.
type Agent struct {
	BaseURL        string
	Username       string
	Password       string
	Timeout        time.Duration
	WaitTimeout    time.Duration
	PromptMaxBytes int
	SystemPrompt   string
}

// Provider configures external model routing. All three of BaseURL, APIKey
// and Models must be present to enable it.
type Provider struct {
	BaseURL string
	APIKey  string
	Models  []string
}

// Enabled reports whether external-provider mode is on.
func (p Provider) Enabled() bool {
	return p.BaseURL != "" && p.APIKey != "" && len(p.Models) > 0
}

// Reaper configures the idle-session sweep.
type Reaper struct {
	Schedule  string
	IdleAfter time.Duration
}

// Config is the full worker configuration.
type Config struct {
	DataDir     string
	RedisURL    string
	DatabaseURL string
	// HistorySQLitePath selects the embedded history store when DatabaseURL
	// is unset. Empty with no DatabaseURL keeps history in memory.
	HistorySQLitePath string

	Agent    Agent
	Provider Provider
	Reaper   Reaper

	GateTTL     time.Duration
	Concurrency int

	DiscordToken string
	OTLPEndpoint string
	LogLevel     string
}

// Load reads configuration from the environment, layering a .env file under
// real variables when one exists.
func Load() (*Config, error) {
	// Missing .env is the normal production case.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		DataDir:           os.Getenv("DATA_DIR"),
		RedisURL:          os.Getenv("REDIS_URL"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		HistorySQLitePath: os.Getenv("HISTORY_SQLITE_PATH"),
		Agent: Agent{
			BaseURL:      os.Getenv("OPENCODE_SERVER_URL"),
			Username:     os.Getenv("OPENCODE_SERVER_USERNAME"),
			Password:     os.Getenv("OPENCODE_SERVER_PASSWORD"),
			SystemPrompt: os.Getenv("AGENT_SYSTEM_PROMPT"),
		},
		Provider: Provider{
			BaseURL: os.Getenv("OPENAI_BASE_URL"),
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Models:  splitCSV(os.Getenv("OPENCODE_MODELS")),
		},
		Reaper: Reaper{
			Schedule: envOr("REAPER_SCHEDULE", DefaultReaperSchedule),
		},
		DiscordToken: os.Getenv("DISCORD_BOT_TOKEN"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:     envOr("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.Agent.Timeout, err = envMillis("OPENCODE_SERVER_TIMEOUT_MS", DefaultAgentTimeout); err != nil {
		return nil, err
	}
	if cfg.Agent.WaitTimeout, err = envMillis("OPENCODE_SERVER_WAIT_TIMEOUT_MS", DefaultAgentWaitTimeout); err != nil {
		return nil, err
	}
	if cfg.Agent.PromptMaxBytes, err = envInt("OPENCODE_PROMPT_MAX_BYTES", 0); err != nil {
		return nil, err
	}
	if cfg.GateTTL, err = envSeconds("GATE_TTL_SECONDS", DefaultGateTTL); err != nil {
		return nil, err
	}
	if cfg.Concurrency, err = envInt("WORKER_CONCURRENCY", DefaultConcurrency); err != nil {
		return nil, err
	}
	idleHours, err := envInt("SESSION_IDLE_TTL_HOURS", int(DefaultIdleAfter/time.Hour))
	if err != nil {
		return nil, err
	}
	cfg.Reaper.IdleAfter = time.Duration(idleHours) * time.Hour

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return errors.New("DATA_DIR is required")
	}
	if c.RedisURL == "" {
		return errors.New("REDIS_URL is required")
	}
	if c.Agent.BaseURL == "" {
		return errors.New("OPENCODE_SERVER_URL is required")
	}
	if c.Concurrency < 1 {
		return errors.New("WORKER_CONCURRENCY must be at least 1")
	}
	if c.GateTTL < time.Second {
		return errors.New("GATE_TTL_SECONDS must be at least 1")
	}

	// A half-configured provider is a deployment mistake, not a signal to
	// silently fall back to the built-in model.
	p := c.Provider
	partial := p.BaseURL != "" || p.APIKey != "" || len(p.Models) > 0
	if partial && !p.Enabled() {
		return errors.New("OPENAI_BASE_URL, OPENAI_API_KEY and OPENCODE_MODELS must be set together")
	}
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func envMillis(name string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(name, int(fallback/time.Millisecond))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

func envSeconds(name string, fallback time.Duration) (time.Duration, error) {
	n, err := envInt(name, int(fallback/time.Second))
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
