package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epm/pkg/guard"
)

func newRulesCommand() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List guard rules",
		Long: `List the built-in guard rules and the custom rules loaded from the
configured rules directory.

With --watch, the rules directory is watched and the rules are reloaded and
listed again whenever a .rego file changes, until interrupted.`,
		Example: `  # Show the active rules
  epm rules

  # Validate rule files while editing them
  epm rules --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctl, err := openControl(ctx, false)
			if err != nil {
				return err
			}
			defer ctl.Close()

			out := cmd.OutOrStdout()
			if err := printRules(cmd, ctl.Guard().ListRules()); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			loader, err := ctl.WatchRules(ctx, func(rules []guard.Rule) {
				fmt.Fprintln(out)
				if err := printRules(cmd, rules); err != nil {
					log.Error().Err(err).Msg("Failed to print rules")
				}
			})
			if err != nil {
				return err
			}
			defer loader.Close()

			log.Info().Str("dir", ctl.Config().Guard.RulesDir).Msg("Watching rules")
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload rules when files change")
	return cmd
}

func printRules(cmd *cobra.Command, rules []guard.Rule) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), rules)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tDESCRIPTION")
	for _, r := range rules {
		source := r.Source
		if r.Builtin {
			source = "built-in"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.Name, source, r.Description)
	}
	return w.Flush()
}
