package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/meshbridge/pkg/bridge"
	"github.com/cuemby/meshbridge/pkg/config"
	"github.com/cuemby/meshbridge/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once before any command runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "meshbridge",
	Short: "meshbridge - Meshtastic and MeshCore traffic ingestion and topology store",
	Long: `meshbridge reads decoded packets from Meshtastic and MeshCore radios,
keeps a registry of every node heard with its public key, persists the
traffic, and answers topology queries over the stored history.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = loadConfig(cmd); err != nil {
			return err
		}
		log.Init(log.Config{Level: cfg.Log.Level, JSONOutput: cfg.Log.JSON, Output: os.Stderr})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"meshbridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file (defaults apply when empty)")
	rootCmd.PersistentFlags().String("data-dir", "", "Override storage.data_dir")
	rootCmd.PersistentFlags().String("log-level", "", "Override log.level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(dbCmd)
}

// loadConfig reads --config and applies the flag overrides shared by every
// command
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	c := config.Default()
	if path != "" {
		var err error
		if c, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		c.Storage.DataDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		c.Log.Level = log.Level(level)
	}
	if cmd.Flags().Lookup("metrics-addr") != nil && cmd.Flags().Changed("metrics-addr") {
		c.Metrics.Addr, _ = cmd.Flags().GetString("metrics-addr")
	}
	return c, c.Validate()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Ingest traffic from the configured radios until interrupted",
	Long: `Connect to every enabled radio interface, load the initial topology
from each node database, and ingest packets until SIGINT or SIGTERM.

Health and Prometheus metrics are served on --metrics-addr.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("shutdown-timeout")
		logger := log.WithComponent("cli")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		b, err := bridge.New(ctx, cfg, bridge.Options{Version: Version})
		if err != nil {
			return err
		}
		if err := b.Start(ctx); err != nil {
			_ = b.Shutdown(context.Background())
			return err
		}
		logger.Info().Str("version", Version).Msg("meshbridge running, press Ctrl+C to stop")

		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
		case <-b.Done():
			logger.Error().Err(b.Err()).Msg("All interfaces stopped")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := b.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}
		return b.Err()
	},
}

func init() {
	runCmd.Flags().String("metrics-addr", "", "Address for /health and /metrics (overrides metrics.addr)")
	runCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "Time allowed for a graceful shutdown")
}
