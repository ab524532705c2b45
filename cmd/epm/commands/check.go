package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/epm/pkg/control"
	"github.com/openfroyo/epm/pkg/engine"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check install|remove|upgrade [PACKAGE...]",
		Short: "Resolve a transaction and evaluate guard rules without committing",
		Long: `Resolve a transaction the way install, remove or upgrade would, then
evaluate the guard rules against its change set. Nothing is fetched or
changed. The command fails when a rule denies the change set.`,
		Example: `  # Would removing openssl be allowed?
  epm check remove openssl

  # Preview a full upgrade
  epm check upgrade`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resolve resolveFunc
			switch args[0] {
			case "install":
				resolve = func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
					return ctl.Install(ctx, args)
				}
			case "remove":
				resolve = func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
					return ctl.Remove(ctx, args)
				}
			case "upgrade":
				resolve = func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
					return ctl.Upgrade(ctx, args)
				}
			default:
				return fmt.Errorf("unknown operation %q, want install, remove or upgrade", args[0])
			}

			ctx := cmd.Context()
			ctl, err := openControl(ctx, true)
			if err != nil {
				return err
			}
			defer ctl.Close()

			tx, err := resolve(ctx, ctl, args[1:])
			if err != nil {
				return err
			}
			result, err := ctl.Check(ctx, tx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, map[string]interface{}{
					"changes": changesJSON(tx.ChangeSet().Map()),
					"guard":   result,
				}); err != nil {
					return err
				}
			} else {
				if tx.ChangeSet().IsEmpty() {
					fmt.Fprintln(out, "Nothing to do.")
				}
				printChanges(out, tx.ChangeSet().Map())
				printViolations(out, "Warnings", result.Warnings)
				printViolations(out, "Denied", result.Denials)
				fmt.Fprintf(out, "Evaluated %d rules in %s.\n", len(result.Rules), result.Duration)
			}

			if !result.Allowed {
				return control.ErrDenied
			}
			return nil
		},
	}
	return cmd
}
