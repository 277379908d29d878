/*
main.go - Application entry point

PURPOSE:
  Command-line entry point of the community ledger. The root command wires
  configuration and logging; subcommands run the HTTP server or one-off
  maintenance passes against the configured store.

COMMANDS:
  serve       Run the HTTP API and the scheduled reconcile job
  reconcile   Run one reconcile pass and print the run record
  verify      Check every stored receipt against the hash chain key
  version     Print the build version

CONFIGURATION:
  --config points at a TOML file; LEDGER_* environment variables override
  it (see package config). Without either the defaults apply: sqlite at
  ./data/ledger.db, hash chain anchoring, hourly reconcile.

EXAMPLES:
  # Run with the defaults
  ./ledger serve

  # In-memory store, debug logging
  LEDGER_STORE_DRIVER=memory LEDGER_LOG_LEVEL=debug ./ledger serve

  # Postgres and a remote anchoring service
  ./ledger serve --config /etc/ledger.toml

SEE ALSO:
  - serve.go: server startup and graceful shutdown
  - admin.go: reconcile and verify commands
  - config/config.go: configuration keys
*/
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/warp/community-ledger/config"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	configPath string

	cfg config.Config
	log *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Community loyalty points and microcredit ledger",
	Long: `An append-only ledger for partner loyalty points and microcredit
campaigns. Every entry is anchored before it is committed, and the
materialized balances are periodically reconciled against the log.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		log = cfg.Logger()
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	// Needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML configuration file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
