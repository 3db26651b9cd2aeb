// Kestrel - Transaction categorization and anomaly detection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	cfg    *domain.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Transaction categorization and anomaly detection",
	Long: `Kestrel categorizes business transactions by consensus of several
classifiers and flags unusual spending with an outlier ensemble and rules.`,
	SilenceUsage:       true,
	PersistentPreRunE:  initConfig,
	PersistentPostRunE: syncLogger,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./kestrel.yaml or $HOME/.config/kestrel/kestrel.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(trainClassifierCmd())
	rootCmd.AddCommand(detectCmd())
	rootCmd.AddCommand(categorizeCmd())
	rootCmd.AddCommand(benchCmd())
	rootCmd.AddCommand(versionCmd())
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration and the logger before any subcommand runs.
// Flags win over the file and the environment.
func initConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		loaded.Log.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		loaded.Log.Format = logFormat
	}
	if err := config.Validate(loaded); err != nil {
		return err
	}

	l, err := config.InitLogger(loaded.Log)
	if err != nil {
		return err
	}
	cfg, logger = loaded, l
	return nil
}

func syncLogger(*cobra.Command, []string) error {
	if logger != nil {
		_ = logger.Sync()
	}
	return nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip config loading; version must work without a valid config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "kestrel %s (commit %s, built %s)\n", Version, Commit, BuildDate)
		},
	}
}
