package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/activity"
	"github.com/nextlevelbuilder/agentrelay/internal/adapter"
	"github.com/nextlevelbuilder/agentrelay/internal/agentapi"
	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/history"
	"github.com/nextlevelbuilder/agentrelay/internal/processor"
	"github.com/nextlevelbuilder/agentrelay/internal/queue"
	"github.com/nextlevelbuilder/agentrelay/internal/reaper"
	"github.com/nextlevelbuilder/agentrelay/internal/session"
	"github.com/nextlevelbuilder/agentrelay/internal/telemetry"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the session-processing worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)
	log := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("reach redis: %w", err)
	}

	hist, closeHist, err := openHistory(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeHist()

	agent, err := agentapi.NewClient(agentapi.Config{
		BaseURL:     cfg.Agent.BaseURL,
		Username:    cfg.Agent.Username,
		Password:    cfg.Agent.Password,
		Timeout:     cfg.Agent.Timeout,
		WaitTimeout: cfg.Agent.WaitTimeout,
	})
	if err != nil {
		return fmt.Errorf("create agent client: %w", err)
	}

	var sender adapter.ReplySender
	if cfg.DiscordToken != "" {
		ds, err := adapter.NewDiscordSender(cfg.DiscordToken)
		if err != nil {
			return fmt.Errorf("connect discord: %w", err)
		}
		defer ds.Close()
		sender = ds
	} else {
		log.Warn("no platform credentials configured, replies go to the log")
		sender = adapter.NewLogSender()
	}

	buffers := buffer.NewRedisStore(rdb, cfg.GateTTL)
	index := activity.NewRedisIndex(rdb)
	sessions := session.NewRepository(cfg.DataDir)

	proc := processor.New(processor.Config{
		AgentPrompt:      cfg.Agent.SystemPrompt,
		MaxPromptBytes:   cfg.Agent.PromptMaxBytes,
		ExternalProvider: cfg.Provider.Enabled(),
		AllowedModels:    cfg.Provider.Models,
	}, processor.Deps{
		Buffers:  buffers,
		Activity: index,
		History:  hist,
		Sessions: sessions,
		Agent:    agent,
		Sender:   sender,
	})

	q := queue.New(rdb, queue.Config{})
	worker := queue.NewWorker(q, proc, cfg.Concurrency)

	sweeper, err := reaper.New(reaper.Config{
		Schedule:  cfg.Reaper.Schedule,
		IdleAfter: cfg.Reaper.IdleAfter,
	}, index, buffers)
	if err != nil {
		return err
	}

	log.Info("worker starting",
		"concurrency", cfg.Concurrency,
		"gateTtl", cfg.GateTTL,
		"agent", cfg.Agent.BaseURL,
		"externalProvider", cfg.Provider.Enabled(),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sweeper.Run(ctx); err != nil {
			log.Error("reaper stopped", "error", err)
		}
	}()

	err = worker.Run(ctx)
	wg.Wait()
	log.Info("worker stopped")
	return err
}

// openHistory picks the history backend: Postgres when DATABASE_URL is set,
// embedded SQLite when a path is configured, otherwise in-memory.
func openHistory(ctx context.Context, cfg *config.Config) (history.Store, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("reach database: %w", err)
		}
		return history.NewPostgresStore(db), func() { db.Close() }, nil

	case cfg.HistorySQLitePath != "":
		st, err := history.OpenSQLiteStore(cfg.HistorySQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite history: %w", err)
		}
		return st, func() { st.Close() }, nil

	default:
		slog.Warn("no history backend configured, history is in-memory only")
		return history.NewMemoryStore(), func() {}, nil
	}
}
