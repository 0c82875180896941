package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/conveyor/config"
	"github.com/glimte/conveyor/internal/logging"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "conveyor",
		Short: "Operate the conveyor outbox and inspect message conventions",
		Long: `conveyor relays messages stored in the transactional outbox to RabbitMQ
and answers questions about where messages are routed.

Settings are read from CONVEYOR_* environment variables and an optional .env file.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			cfg = loaded
			slog.SetDefault(logging.New(cfg.Log.Format, cfg.Log.Level))
			return nil
		},
	}

	current := func() *config.Config { return cfg }
	rootCmd.AddCommand(
		newRelayCmd(current),
		newPendingCmd(current),
		newConventionsCmd(current),
		newInboxCmd(current),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
