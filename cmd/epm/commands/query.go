package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type packageJSON struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Arch      string `json:"arch"`
	Backend   string `json:"backend"`
	Summary   string `json:"summary,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Installed bool   `json:"installed"`
}

func newQueryCommand() *cobra.Command {
	var installed bool

	cmd := &cobra.Command{
		Use:   "query [PATTERN...]",
		Short: "List packages",
		Long: `List the packages known to the cache. Patterns are names, name-version
strings or globs; without patterns every package is listed.`,
		Example: `  # List every installed package
  epm query --installed

  # Show all versions of hello
  epm query hello

  # Search by glob
  epm query '*greet*'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctl, err := openControl(ctx, true)
			if err != nil {
				return err
			}
			defer ctl.Close()

			pkgs, err := ctl.Query(args, installed)
			if err != nil {
				return err
			}

			if jsonOutput {
				out := make([]packageJSON, 0, len(pkgs))
				for _, pkg := range pkgs {
					spec := pkg.Spec()
					row := packageJSON{
						Name:      spec.Name,
						Version:   spec.Version,
						Arch:      spec.Arch,
						Backend:   string(spec.Backend),
						Summary:   spec.Summary,
						Installed: pkg.Installed(),
					}
					if loader, ok := pkg.SourceLoader(); ok {
						row.Channel = loader.Name()
					}
					out = append(out, row)
				}
				return printJSON(cmd.OutOrStdout(), out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PACKAGE\tBACKEND\tSTATUS\tSUMMARY")
			for _, pkg := range pkgs {
				status := "available"
				if pkg.Installed() {
					status = "installed"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pkg, pkg.Backend, status, pkg.Spec().Summary)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&installed, "installed", false, "only list installed packages")
	return cmd
}
