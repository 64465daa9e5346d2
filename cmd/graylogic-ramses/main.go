// Gray Logic RAMSES bridge
//
// This is the entry point for the RAMSES-II bridge. It connects a ramses_esp
// or serial RF gateway to Gray Logic Core over MQTT, so Orcon style
// ventilation units, their remotes and CO2 sensors appear as Core devices.
//
// Subcommands:
//   - run (default): start the bridge
//   - decode: decode a packet log or captured lines offline
//   - presets: list the fan presets and their command payloads
//   - migrate: inspect or roll back the device database schema
//   - version: print build information
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/config"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// configFlag is set by --config on any subcommand.
var configFlag string

var rootCmd = &cobra.Command{
	Use:   "graylogic-ramses",
	Short: "RAMSES-II ventilation bridge for Gray Logic",
	Long: `graylogic-ramses talks RAMSES-II over a ramses_esp MQTT gateway or a
serial evofw3 stick and bridges the fan, remote and CO2 sensor to Gray Logic
Core.

Without a subcommand the bridge is started, as with "graylogic-ramses run".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBridge,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bridge",
	Args:  cobra.NoArgs,
	RunE:  runBridge,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "graylogic-ramses %s (commit %s, built %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"configuration file (default $GRAYLOGIC_CONFIG or "+config.DefaultPath+")")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(presetsCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Cancelled on Ctrl+C or SIGTERM for a graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBridge(cmd *cobra.Command, _ []string) error {
	return run(cmd.Context(), getConfigPath())
}

// getConfigPath resolves the configuration file: --config, then
// GRAYLOGIC_CONFIG, then the default path.
func getConfigPath() string {
	if configFlag != "" {
		return configFlag
	}
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return config.DefaultPath
}
