package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmax-ai/flowboard/pkg/config"
	"github.com/rmax-ai/flowboard/pkg/logging"
)

var (
	Version   = "v1.0.0"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configFile string
		envFile    string
		opts       daemonOptions
	)

	cmd := &cobra.Command{
		Use:          "flowboard-d",
		Short:        "flowboard-d serves one replica of a shared diagram room",
		Version:      fmt.Sprintf("%s (%s, %s)", Version, Commit, BuildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Options{
				File:    configFile,
				EnvFile: envFile,
				Flags:   cmd.Flags(),
			})
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts)
		},
	}

	fs := cmd.Flags()
	config.RegisterFlags(fs)
	fs.StringVar(&configFile, "config", "", "path to a TOML config file")
	fs.StringVar(&envFile, "env-file", ".env", "path to a .env file (ignored when missing)")
	fs.DurationVar(&opts.LeaseTTL, "lease-ttl", 15*time.Second, "redis claim on the user id (0 disables)")
	fs.DurationVar(&opts.JournalRetention, "journal-retention", 0, "move journaled envelopes older than this out of the journal (0 keeps all)")
	fs.DurationVar(&opts.RetentionInterval, "retention-interval", time.Hour, "how often the journal retention runs")
	fs.StringVar(&opts.ArchiveDir, "archive-dir", "", "archive envelopes leaving the journal here instead of dropping them")
	return cmd
}

func run(ctx context.Context, cfg config.Config, opts daemonOptions) error {
	logger, err := logging.New(cfg.Log, "flowboard-d")
	if err != nil {
		return err
	}
	logger.Info().
		Str("version", Version).
		Str("room", cfg.Room).
		Str("user_id", cfg.UserID).
		Msg("system_started")

	if ctx == nil {
		ctx = context.Background()
	}
	d, err := newDaemon(ctx, cfg, opts, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed_to_start")
		return err
	}
	d.start(ctx)

	// Handle SIGINT/SIGTERM for graceful shutdown
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	var runErr error
	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("shutdown_initiated")
	case runErr = <-d.fatal:
		logger.Error().Err(runErr).Msg("shutdown_initiated")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	d.close(shutdownCtx)

	logger.Info().Msg("shutdown_complete")
	return runErr
}
