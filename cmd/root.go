// Package cmd holds the agentrelay CLI.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/agentrelay/cmd.Version=v1.0.0"
var Version = "dev"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "agentrelay",
	Short: "agentrelay — session-processing core for chat-bot agent backends",
	Long: "agentrelay multiplexes chat messages into per-conversation batches, " +
		"serializes agent turns through a Redis gate, and relays agent replies " +
		"back to the platform.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(reaperCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentrelay %s (%s/%s, %s)\n", Version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}

func setupLogging(level string) {
	lvl := slog.LevelInfo
	switch {
	case verbose || level == "debug":
		lvl = slog.LevelDebug
	case level == "warn":
		lvl = slog.LevelWarn
	case level == "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
