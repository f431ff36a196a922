package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/config"
)

var (
	version string
	commit  string
	date    string
)

// configPath is the shared --config flag: where drey.yml lives.
var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "drey",
	Short: "Drey - autonomous multi-agent development orchestrator",
	Long: `Drey drives a pool of AI coding workers through a feature backlog.

Features, their dependencies and priorities live in a catalog file; run
state lives in a shared den directory on disk. Workers claim features
atomically, build them on dedicated branches via an external coding agent,
and record completion, blockage, or questions that need a human answer.
The orchestrator supervises the pool, recovers crashed workers' claims,
enforces the daily budget, and emits a dependency-ordered merge plan once
the backlog drains.`,
	Version: version,
	// Show help instead of silently succeeding when no subcommand is given.
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the drey configuration file")
}
