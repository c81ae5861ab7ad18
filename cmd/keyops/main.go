package main

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"
	"github.com/systmms/keyops/cmd/keyops/commands"
	"github.com/systmms/keyops/internal/config"
	"github.com/systmms/keyops/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Purge wipes every enclave and the session key on the way out, success
	// or failure.
	defer memguard.Purge()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		// os.Exit would skip the deferred purge.
		memguard.SafeExit(1)
	}
}

func run() error {
	// Global flags
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
	)

	// Create config placeholder
	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "keyops",
		Short: "Encryption key operations - manage the keys that protect stored data",
		Long: `keyops runs the lifecycle of the envelope encryption keys that protect
stored customer data: generation, rotation, revocation, and the
re-encryption jobs that move old payloads onto fresh keys.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize logger with parsed flags
			logger := logging.New(debug, noColor)

			// Update config with parsed values
			cfg.Path = configFile
			cfg.Logger = logger
			cfg.NonInteractive = nonInteractive
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath(), "Config file path")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")

	// Add commands
	rootCmd.AddCommand(
		commands.NewInitCommand(cfg),
		commands.NewKeysCommand(cfg),
		commands.NewRotateCommand(cfg),
		commands.NewReencryptCommand(cfg),
		commands.NewStatusCommand(cfg),
		commands.NewCleanupCommand(cfg),
		commands.NewMasterCommand(cfg),
	)

	return rootCmd.Execute()
}
