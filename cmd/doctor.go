package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentrelay/internal/agentapi"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, configuration, and upstream connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("agentrelay doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("  Config:   FAILED (%s)\n", err)
		return
	}
	fmt.Println("  Config:   OK")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Data dir
	fmt.Printf("  Data dir: %s", cfg.DataDir)
	if _, err := os.Stat(cfg.DataDir); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	// Redis
	fmt.Printf("  Redis:    %s", cfg.RedisURL)
	if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		fmt.Printf(" (BAD URL: %s)\n", err)
	} else {
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			fmt.Printf(" (UNREACHABLE: %s)\n", err)
		} else {
			fmt.Println(" (OK)")
		}
		rdb.Close()
	}

	// Database
	if cfg.DatabaseURL == "" {
		fmt.Println("  Database: (not configured)")
	} else if db, err := sql.Open("pgx", cfg.DatabaseURL); err != nil {
		fmt.Printf("  Database: FAILED (%s)\n", err)
	} else {
		if err := db.PingContext(ctx); err != nil {
			fmt.Printf("  Database: UNREACHABLE (%s)\n", err)
		} else {
			fmt.Println("  Database: OK")
		}
		db.Close()
	}

	// Agent server
	fmt.Printf("  Agent:    %s", cfg.Agent.BaseURL)
	client, err := agentapi.NewClient(agentapi.Config{
		BaseURL:  cfg.Agent.BaseURL,
		Username: cfg.Agent.Username,
		Password: cfg.Agent.Password,
		Timeout:  5 * time.Second,
	})
	if err != nil {
		fmt.Printf(" (BAD CONFIG: %s)\n", err)
	} else if _, err := client.GetSession(ctx, os.TempDir(), "ses_doctorprobe0"); err != nil {
		fmt.Printf(" (UNREACHABLE: %s)\n", err)
	} else {
		fmt.Println(" (OK)")
	}

	// Provider
	fmt.Println()
	if cfg.Provider.Enabled() {
		fmt.Printf("  Provider: litellm via %s\n", cfg.Provider.BaseURL)
		fmt.Printf("  API key:  %s\n", maskSecret(cfg.Provider.APIKey))
		fmt.Printf("  Models:   %s\n", strings.Join(cfg.Provider.Models, ", "))
	} else {
		fmt.Println("  Provider: built-in (opencode/glm-4.7-free)")
	}

	if cfg.DiscordToken != "" {
		fmt.Printf("  Discord:  token %s\n", maskSecret(cfg.DiscordToken))
	} else {
		fmt.Println("  Discord:  (not configured, replies go to the log)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func maskSecret(s string) string {
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
