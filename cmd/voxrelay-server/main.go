// Package main provides the VoxRelay server binary.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
	"github.com/voxrelay/voxrelay/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "voxrelay-server",
		Short: "VoxRelay - WebSocket audio and game event relay",
		Long: `VoxRelay relays short audio clips and game events between WebSocket clients.

Clients connect either to the built-in hub (GET /ws) or through a managed
gateway that posts connect, disconnect and message envelopes to /v1/gateway/*.

Examples:
  voxrelay-server                               # Start with defaults
  voxrelay-server -c voxrelay.yaml              # Load a config file
  voxrelay-server --port 9000 --transport apigw # Override config
  voxrelay-server replay --since 1h             # Republish the last hour of events`,
		RunE:         runServe,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringP("config", "c", "", "config file path")
	root.PersistentFlags().BoolP("verbose", "v", false, "verbose logging")
	root.Flags().String("host", "", "server host (overrides config)")
	root.Flags().Int("port", 0, "HTTP port (overrides config)")
	root.Flags().String("transport", "", "client transport: hub or apigw (overrides config)")

	root.AddCommand(serveCmd(), replayCmd(), versionCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "server host (overrides config)")
	cmd.Flags().Int("port", 0, "HTTP port (overrides config)")
	cmd.Flags().String("transport", "", "client transport: hub or apigw (overrides config)")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("voxrelay-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}
}

// loadConfig loads the config file named by --config and builds the logger.
func loadConfig(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, logger.New(cfg.Log.Level, cfg.Log.Format), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Override from flags
	if cmd.Flags().Changed("host") {
		cfg.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport.Type, _ = cmd.Flags().GetString("transport")
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	log.Info("Starting VoxRelay server",
		"version", version,
		"host", cfg.Host,
		"port", cfg.Port,
	)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	srv, err := server.New(ctx, cfg, version, log)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		// Listener failed before any signal.
		_ = srv.Stop(context.Background())
		return err
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	if err := srv.Stop(context.Background()); err != nil {
		return err
	}
	return <-errCh
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Republish events from the event log onto the configured bus",
		Long: `Replay reads the JSON lines event log and publishes every entry newer than
--since back onto the configured bus. The target bus must be kafka or redis;
an in-memory bus has no consumers outside the server process.

Examples:
  voxrelay-server replay --since 30m
  voxrelay-server replay --since 2026-01-02T15:04:05Z --topic audio.pending`,
		RunE: runReplay,
	}
	cmd.Flags().String("since", "24h", "duration ago or RFC3339 timestamp")
	cmd.Flags().StringSlice("topic", nil, "only replay these topics (repeatable)")
	cmd.Flags().String("log", "", "event log path (overrides config)")
	return cmd
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	sinceFlag, _ := cmd.Flags().GetString("since")
	topics, _ := cmd.Flags().GetStringSlice("topic")
	logPath, _ := cmd.Flags().GetString("log")
	if logPath == "" {
		logPath = cfg.Bus.EventLogPath
	}

	since, err := parseSince(sinceFlag, time.Now())
	if err != nil {
		return err
	}
	if strings.EqualFold(cfg.Bus.Type, "memory") || cfg.Bus.Type == "" {
		return fmt.Errorf("replay needs a kafka or redis bus, got %q", cfg.Bus.Type)
	}

	eventLog, err := bus.NewEventLogger(logPath, true)
	if err != nil {
		return err
	}
	defer eventLog.Close()

	// Replayed events must not be appended to the log they came from.
	busCfg := cfg.Bus
	busCfg.EventLogEnabled = false
	target, err := bus.NewBus(busCfg, log)
	if err != nil {
		return err
	}
	defer target.Close()

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	n, err := eventLog.Replay(ctx, target, since, topics...)
	log.Info("Replay finished", "events", n, "since", since.Format(time.RFC3339), "path", logPath)
	if err != nil {
		return err
	}
	fmt.Printf("replayed %d events\n", n)
	return nil
}

// parseSince accepts a duration before now or an RFC3339 timestamp.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: want a duration or RFC3339 time", s)
	}
	return t, nil
}
