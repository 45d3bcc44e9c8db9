// ABOUTME: Root cobra command: loads config and sets up logging for every subcommand
// ABOUTME: Global flags are --config and --log-level

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/logging"
)

var (
	// Global flags
	configPath string
	logLevel   string

	// Set up by PersistentPreRunE
	cfg      *config.Config
	logger   *slog.Logger
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "coven-chat",
	Short: "Chat with an agent over a shared conversation store",
	Long: `coven-chat keeps conversations with an agent in a store that several
views can share. Run "coven-chat chat" for the interactive client,
"coven-chat serve" for the shared store service and "coven-chat agent"
for the reference echo agent.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, path, err := config.LoadOrDefault(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		} else if cmd.Name() == "chat" && strings.EqualFold(loaded.Logging.Level, "info") {
			// the shell owns the terminal; keep routine logs out of it
			loaded.Logging.Level = "warn"
		}
		cfg = loaded

		logger, closeLog = logging.New(cfg.Logging, os.Stderr)
		slog.SetDefault(logger)
		if path != "" {
			logger.Debug("loaded config", "path", path)
		} else {
			logger.Debug("no config file found, using defaults")
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close log file: %v\n", err)
		}
	},
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $XDG_CONFIG_HOME/coven/chat.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(conversationsCmd)
}
