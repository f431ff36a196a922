package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/scaffold"
	"github.com/dyluth/drey/internal/vcs"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new drey project",
	Long: `Initialize a new drey project with a starter configuration and catalog.

Creates:
  • drey.yml - Project configuration file
  • catalog.yaml - Example feature catalog
  • .drey/ - Coordination directory (gitignored)

This command must be run from the root of a Git repository.

Use --force to reinitialize an existing project (WARNING: replaces existing configuration).`,
	RunE: runInit,
}

func init() {
	// No -f shorthand; it would shadow flags on other commands.
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Force reinitialization (removes existing drey.yml and catalog.yaml)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := vcs.NewGit("").ValidateRepoContext(cmd.Context()); err != nil {
		return err
	}

	if !forceInit {
		if err := scaffold.CheckExisting(); err != nil {
			return err
		}
	}

	if err := scaffold.Initialize(forceInit); err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	scaffold.PrintSuccess()
	return nil
}
