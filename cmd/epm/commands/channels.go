package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type channelJSON struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Priority int    `json:"priority"`
	Packages int    `json:"packages"`
}

func newChannelsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "List configured channels",
		Long: `List the enabled channels in the order they are consulted, with the
number of packages each one currently provides.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctl, err := openControl(ctx, false)
			if err != nil {
				return err
			}
			defer ctl.Close()

			urls := make(map[string]string)
			for _, ch := range ctl.Config().Channels {
				urls[ch.Name] = ch.URL
			}

			var rows []channelJSON
			for _, ch := range ctl.Channels() {
				row := channelJSON{Name: ch.Name(), Type: ch.Type(), URL: urls[ch.Name()], Priority: ch.Priority(), Packages: -1}
				if specs, err := ch.Loader().Packages(ctx); err == nil {
					row.Packages = len(specs)
				}
				rows = append(rows, row)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), rows)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tPRIORITY\tPACKAGES\tURL")
			for _, row := range rows {
				packages := "?"
				if row.Packages >= 0 {
					packages = fmt.Sprint(row.Packages)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", row.Name, row.Type, row.Priority, packages, row.URL)
			}
			return w.Flush()
		},
	}
	return cmd
}
