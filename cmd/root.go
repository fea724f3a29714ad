// Package cmd contains the sage CLI. The root command opens the
// interactive chat loop; subcommands cover ingestion, watching the uploads
// directory, and status inspection.
package cmd

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sage-tutor/sage/internal/assistant"
	"github.com/sage-tutor/sage/internal/config"
	"github.com/sage-tutor/sage/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "sage",
	Short: "sage - a retrieval-augmented study assistant",
	Long: `sage answers questions from documents you upload, remembers the
conversation, and can quiz you on the indexed material.

Running sage without a subcommand starts the interactive chat.`,
	SilenceUsage: true,
	RunE:         runChat,
}

var (
	flagVerbose bool
	flagJSONLog bool
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSONLog, "log-json", false, "emit logs as JSON")
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger() log.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	return log.New(log.Config{Level: level, JSON: flagJSONLog})
}

// setup loads configuration and builds the assistant. The returned context
// is cancelled on SIGINT/SIGTERM.
func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *assistant.Assistant, *config.Config, error) {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, nil, nil, nil, err
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)

	a, err := assistant.FromConfig(ctx, cfg, logger)
	if err != nil {
		cancel()
		return nil, nil, nil, nil, err
	}
	return ctx, cancel, a, cfg, nil
}
