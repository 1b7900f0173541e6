package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"wmsync/internal/app"
	"wmsync/internal/config"
	"wmsync/internal/logger"
	"wmsync/internal/progress"
	"wmsync/internal/syncer"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "wmsync",
	Short:         "Offline action queue and sync agent for warehouse field devices",
	Long:          `Keeps warehouse actions performed offline in a durable local queue and replays them against the warehouse API, in order and exactly once, when connectivity returns.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync agent, draining the queue on every reconnect",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
			return a.Run(ctx)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Drain pending actions now",
	RunE:  runSync,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (YAML)")
	flags.String("device-id", "", "Device identifier sent to the API and archive")
	flags.String("store", "./wmsync.db", "Local queue database file")
	flags.String("api-url", "", "Warehouse API base URL")
	flags.Duration("api-timeout", 30*time.Second, "Timeout of a single API call")
	flags.String("token-file", "./session.token", "Session token file")
	flags.String("state-file", "", "Connectivity state file written by the platform")
	flags.Bool("assume-online", true, "Connectivity to assume when no state file is configured")
	flags.String("metrics-addr", "", "Address of the prometheus endpoint, empty to disable")
	flags.Duration("done-ttl", 7*24*time.Hour, "Keep synced actions this long, 0 to keep forever")
	flags.Duration("prune-interval", time.Hour, "How often the agent prunes synced actions")
	flags.String("log-level", "info", "Log level (debug/info/warn/error)")
	flags.String("log-file", "", "Also write logs to this rotated file")

	rootCmd.AddCommand(serveCmd, syncCmd)
	rootCmd.AddCommand(enqueueCmd, queueCmd, requeueCmd, pruneCmd)
	rootCmd.AddCommand(loginCmd, logoutCmd, refreshCmd, lookupCmd)
}

// withApp loads configuration, builds the application and runs fn with a
// context cancelled on SIGINT or SIGTERM
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, log *zap.Logger) error) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	a, err := app.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			log.Info("Received shutdown signal, gracefully stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	err = fn(ctx, a, log)

	if closeErr := a.Close(); closeErr != nil {
		log.Error("Error closing app", zap.Error(closeErr))
	}

	return err
}

func runSync(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app.App, log *zap.Logger) error {
		out := cmd.OutOrStdout()

		var display *progress.Display
		if progress.IsTerminalSupported() {
			display = progress.NewDisplay(a.Metrics().GetProgressTracker(), time.Second, out)
			display.Start()
		}

		result, err := a.SyncNow(ctx)
		if display != nil {
			display.Stop()
		}
		if errors.Is(err, app.ErrOffline) {
			return fmt.Errorf("cannot sync: %w", err)
		}
		if err != nil {
			return err
		}

		if display == nil && result.Attempted > 0 {
			fmt.Fprintln(out, strings.Join(progress.Summary(a.Metrics().GetProgressTracker().GetStatus()), "\n"))
		}
		for _, f := range result.Failures {
			fmt.Fprintf(out, "failed  %s  %-18s %s\n", f.ActionID, f.Kind, f.Reason)
		}

		switch result.Outcome {
		case syncer.OutcomeEmpty:
			fmt.Fprintln(out, "Nothing to sync")
		case syncer.OutcomeBusy:
			fmt.Fprintln(out, "A sync is already running")
		case syncer.OutcomeNeedsReauth:
			return fmt.Errorf("session expired: run 'wmsync login' and sync again")
		case syncer.OutcomeInterrupted, syncer.OutcomeStorageError:
			return fmt.Errorf("sync stopped (%s): %w", result.Outcome, result.Err)
		}
		return nil
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
