package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/devblac/game-indexer/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgPath   string
	logLevel  string
	logFormat string
	rootCmd   = &cobra.Command{
		Use:   "game-indexer",
		Short: "Index lottery contract events into queryable game state",
	}
)

func init() {
	cobra.EnableCommandSorting = false

	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", os.Getenv("LOG_LEVEL"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")

	rootCmd.AddCommand(
		versionCmd,
		initCmd,
		validateCmd,
		runCmd,
		stateCmd,
		exportCmd,
		resyncCmd,
	)
}

func newLogger() *slog.Logger {
	return logging.NewWriter(os.Stdout, logLevel, logFormat)
}

// Execute runs the root command tree.
func Execute(ctx context.Context) error {
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
