package commands

import (
	"github.com/spf13/cobra"

	"github.com/dyluth/drey/internal/printer"
	"github.com/dyluth/drey/pkg/den"
)

var unblockCmd = &cobra.Command{
	Use:   "unblock <feature-id>",
	Short: "Return a blocked feature to the backlog",
	Long: `Move a blocked feature back to pending so a worker can claim it again.

Resolve whatever blocked it first (the reason shows in 'drey status');
otherwise the next worker hits the same wall and burns iterations
re-discovering it.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnblock,
}

func init() {
	rootCmd.AddCommand(unblockCmd)
}

func runUnblock(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}

	claims := den.NewClaims(store, nil, cfg.Git.BranchPrefix)
	if err := claims.Unblock(cmd.Context(), args[0]); err != nil {
		return printer.Error(
			"could not unblock feature",
			err.Error(),
			[]string{"Check the feature's current status:\n  drey status"},
		)
	}

	printer.Success("Feature %s is pending again\n", args[0])
	return nil
}
