// kgnet - connection and reliability layer for multiplayer game sessions.
//
// The kgnet binary runs a game transport server with its admin surfaces
// (REST API, console, MQTT telemetry, session history), or a test client
// that connects to one.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kargono/kgnet/internal/api"
	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/util"
)

const (
	AppName = "kgnet"
	Banner  = `
  _                       _
 | | ____ _ _ __   ___| |_
 | |/ / _' | '_ \ / _ \ __|
 |   < (_| | | | |  __/ |_
 |_|\_\__, |_| |_|\___|\__|
      |___/  v%s
`
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   AppName,
		Short: "UDP connection and reliability layer for game sessions",
		Long: `kgnet runs a UDP game transport: connection handshake, keepalives,
timeouts, sequence/ack reliability and round-trip estimation, with an
admin REST API, an interactive console, MQTT telemetry and a SQLite
session history around it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		filepath.Join(config.DefaultConfigDir, config.DefaultConfigFile),
		"path to the config file (.json, .yaml or .yml)")

	rootCmd.AddCommand(
		serverCmd(),
		clientCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), Banner, api.Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig reads and validates the config file, then points the global
// logger at the configured outputs.
func loadConfig() (*config.Config, error) {
	if _, err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	app := cfg.GetApplicationData()
	logCfg := util.DefaultLogConfig()
	logCfg.Level = app.Logging.Level
	logCfg.Directory = app.Logging.Directory
	logCfg.Console = app.Logging.Console
	logPath, err := util.InitLogger(logCfg)
	if err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	} else if logPath != "" {
		log.Debug().Str("path", logPath).Msg("logging to file")
	}

	result := config.Validate(cfg)
	for _, w := range result.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !result.IsValid() {
		for _, e := range result.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return nil, fmt.Errorf("configuration %s is invalid (%d errors)", cfg.Path(), len(result.Errors))
	}
	return cfg, nil
}
