package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/activity"
	"github.com/nextlevelbuilder/agentrelay/internal/buffer"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/reaper"
)

// The worker runs the sweep in-process; this command exists for deployments
// that want a single sweeper next to many workers, or a one-off sweep.
func reaperCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Sweep idle conversations out of the activity index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReaper(once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

func runReaper(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("reach redis: %w", err)
	}

	sweeper, err := reaper.New(reaper.Config{
		Schedule:  cfg.Reaper.Schedule,
		IdleAfter: cfg.Reaper.IdleAfter,
	}, activity.NewRedisIndex(rdb), buffer.NewRedisStore(rdb, cfg.GateTTL))
	if err != nil {
		return err
	}

	if once {
		n, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		slog.Info("sweep complete", "reaped", n)
		return nil
	}
	return sweeper.Run(ctx)
}
