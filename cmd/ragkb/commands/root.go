// Package commands defines all Cobra CLI commands for the ragkb binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/54b3r/ragkb-go/internal/audit"
	"github.com/54b3r/ragkb-go/internal/config"
	"github.com/54b3r/ragkb-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ragkb",
		Short: "ragkb — local-first knowledge-base retrieval engine",
		Long: `ragkb chunks plain-text documents, embeds them, and answers retrieval
queries against one or many in-memory knowledge bases.

The engine runs either as a one-shot query from the command line or as a
long-lived HTTP server ('ragkb serve') managed remotely by the kb, status,
mode, and enable/disable subcommands.

Embedding provider is selected via the EMBEDDING_PROVIDER environment
variable or a YAML config file (~/.ragkb/config.yaml).
See 'ragkb --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A .env in the working directory seeds the environment before
			// config resolution; absence is not an error.
			_ = godotenv.Load()

			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.ragkb/config.yaml)")

	root.AddCommand(
		NewQueryCmd(),
		NewServeCmd(),
		NewKBCmd(),
		NewStatusCmd(),
		NewModeCmd(),
		NewEnableCmd(),
		NewDisableCmd(),
		NewHistoryCmd(),
		NewVersionCmd(),
	)

	return root
}
