// Package cmd implements the CLI commands for restreamd.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/dhaslett/restreamd/internal/config"
	"github.com/dhaslett/restreamd/internal/observability"
	"github.com/dhaslett/restreamd/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "restreamd",
	Short:   "Channel restreaming and transcode supervision daemon",
	Version: version.Short(),
	Long: `restreamd manages long-lived transcoding processes for configured
channels: it builds encoder invocations, supervises the processes,
restarts them on failure, and exposes a REST and WebSocket API for
control and live stats.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., $HOME, /etc/restreamd)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}

// loadConfig reads configuration and applies CLI logging overrides.
// Priority: CLI flag > env var > config file > default.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	overrideString(rootCmd.PersistentFlags(), "log-level", &cfg.Logging.Level)
	overrideString(rootCmd.PersistentFlags(), "log-format", &cfg.Logging.Format)
	return cfg, nil
}

// overrideString copies a flag value into dst only when the user set the
// flag explicitly. Flags are not bound to viper because viper's flag layer
// would override env and config values even at the flag's default.
func overrideString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		*dst, _ = flags.GetString(name)
	}
}

// overrideInt is the int counterpart of overrideString.
func overrideInt(flags *pflag.FlagSet, name string, dst *int) {
	if flags.Changed(name) {
		*dst, _ = flags.GetInt(name)
	}
}

// setupLogging builds the process logger and installs it as default.
func setupLogging(cfg *config.Config) {
	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)
}
