package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/den"
)

var ciCmd = &cobra.Command{
	Use:   "ci <feature-id> <passed|failed|pending>",
	Short: "Record a CI outcome for a feature",
	Long: `Record the CI outcome for a feature's branch. Wire this into your CI
pipeline so drey sees build results:

  drey ci $FEATURE_ID passed

Each recorded failure counts against ci.max_attempts; once a feature
accumulates that many failures the reaper blocks it for human attention.`,
	Args: cobra.ExactArgs(2),
	RunE: runCI,
}

func init() {
	rootCmd.AddCommand(ciCmd)
}

func runCI(cmd *cobra.Command, args []string) error {
	id := args[0]
	status := den.CIStatus(args[1])
	if err := status.Validate(); err != nil {
		return printer.Error(
			fmt.Sprintf("invalid CI status %q", args[1]),
			err.Error(),
			[]string{"Use one of: passed, failed, pending"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	claims := den.NewClaims(store, nil, cfg.Git.BranchPrefix)
	increment := status == den.CIFailed
	if err := claims.UpdateCI(cmd.Context(), id, status, increment); err != nil {
		return printer.Error(
			"could not record CI outcome",
			err.Error(),
			[]string{"Check the feature id:\n  drey status"},
		)
	}

	printer.Success("Recorded CI %s for %s\n", status, id)
	return nil
}
