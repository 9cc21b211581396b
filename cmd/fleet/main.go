// Package main provides the fleet CLI: the inventory service and one-shot
// fetch and inspection commands.
package main

import (
	"fmt"
	"os"

	"github.com/lucid-vigil/fleet/pkg/config"
	"github.com/lucid-vigil/fleet/pkg/logger"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	// built-in adapters register themselves
	_ "github.com/lucid-vigil/fleet/pkg/adapters/localhost"
	_ "github.com/lucid-vigil/fleet/pkg/adapters/remoteshell"
	_ "github.com/lucid-vigil/fleet/pkg/adapters/restapi"
	_ "github.com/lucid-vigil/fleet/pkg/adapters/snmp"
	_ "github.com/lucid-vigil/fleet/pkg/adapters/sqlsource"
)

var (
	// configFile is set by the --config flag.
	configFile string
	// logLevel overrides the configured level when set.
	logLevel string

	// cfg is loaded by PersistentPreRunE.
	cfg *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleet",
	Short: "Fleet collects device and user inventory from third-party sources",
	Long: `Fleet runs adapters that translate inventory and security products
(REST APIs, SQL databases, SSH hosts, SNMP agents) into one device and user
inventory, merges records describing the same device and serves the result
over HTTP.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./config.yaml or /etc/fleet/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(adaptersCmd)
}

// loadConfig reads and validates the configuration and sets up logging.
func loadConfig(cmd *cobra.Command, args []string) error {
	// Skip config for version command
	if cmd.Name() == "version" {
		return nil
	}

	loaded, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		loaded.LogLevel = logLevel
	}
	if err := loaded.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg = loaded

	logger.InitLoggerWithFile(cfg.LogLevel, cfg.LogFile.Path, cfg.LogFile.MaxSizeMB, cfg.LogFile.MaxBackups)
	log.Debug().Str("file", cfg.File).Msg("Configuration loaded")
	return nil
}
