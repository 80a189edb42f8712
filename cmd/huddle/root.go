package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Tyrowin/huddle/internal/config"
	"github.com/Tyrowin/huddle/internal/logging"
)

var (
	configPath string
	version    = "dev"
	commit     = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Realtime presence, messaging relay and call signaling",
	Long: `huddle keeps a live roster of connected users, broadcasts public chat,
delivers and stores private messages, and relays WebRTC call negotiation
between browsers over a single WebSocket per client.

Configuration comes from defaults, an optional YAML file (--config),
a .env file in the working directory, and environment variables, in
that order.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(serveCmd, sweepCmd)
}

// loadRuntime resolves the configuration and builds the process logger.
func loadRuntime() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, log, nil
}
