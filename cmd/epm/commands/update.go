package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newUpdateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Refresh channel indexes",
		Long: `Fetch the index of every enabled channel and reload the package cache.

Channels are refreshed under an exclusive lock of the data directory. When a
channel fails, the others are still refreshed and the errors are reported
together.`,
		Example: `  # Refresh all channels
  epm update`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctl, err := openControl(ctx, false)
			if err != nil {
				return err
			}
			defer ctl.Close()

			if err := ctl.Update(ctx); err != nil {
				return err
			}

			n := len(ctl.Cache().Packages())
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]int{
					"channels": len(ctl.Channels()),
					"packages": n,
				})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d channels updated, %d packages available.\n", len(ctl.Channels()), n)
			return nil
		},
	}
	return cmd
}
