// Package cmd implements the moltlets CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/regenrek/moltlets/internal/config"
	"github.com/regenrek/moltlets/internal/observability"
)

// Version is injected at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "moltlets",
	Short: "Orchestrator for disposable cattle compute instances",
	Long: `moltlets provisions and tears down short-lived cloud instances on
behalf of automated tasks, coordinated through a durable job queue with
lease-based claims. Bootstrap secrets reach new instances only as sealed
envelopes addressed to the instance's key.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	rootLogLevel string
	logger       = zap.NewNop()
)

func init() {
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "", "Override log level (debug|info|warn|error)")
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and initializes the process logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if rootLogLevel != "" {
		cfg.Logging.Level = rootLogLevel
	}

	logger, err = observability.NewLogger(observability.LogConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, nil
}
