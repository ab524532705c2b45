package commands

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [TRANSACTION-ID]",
		Short: "Show the transaction history",
		Long: `Show committed transactions, newest first. With a transaction ID, show
the package changes of that transaction.`,
		Example: `  # Show the last 20 transactions
  epm history

  # Show what one transaction changed
  epm history 6f1c2a4e-8d5b-4e0f-9a37-2b1d0c9e7f11`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctl, err := openControl(ctx, false)
			if err != nil {
				return err
			}
			defer ctl.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				tx, changes, err := ctl.Changes(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, map[string]interface{}{"transaction": tx, "changes": changes})
				}
				fmt.Fprintf(out, "Transaction %s (%s, %s)\n", tx.ID, tx.Policy, tx.Status)
				fmt.Fprintf(out, "Started:  %s\n", tx.StartedAt.Format(time.RFC3339))
				if tx.Error != nil {
					fmt.Fprintf(out, "Error:    %s\n", *tx.Error)
				}
				for _, c := range changes {
					fmt.Fprintf(out, "    %-10s %s-%s.%s (%s)\n", c.Action, c.Name, c.Version, c.Arch, c.Backend)
				}
				return nil
			}

			txs, err := ctl.History(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(out, txs)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTARTED\tPOLICY\tSTATUS\tCHANGES")
			for _, tx := range txs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					tx.ID, tx.StartedAt.Local().Format("2006-01-02 15:04"), tx.Policy, tx.Status, formatSummary(tx.Summary))
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of transactions to show")
	return cmd
}

// formatSummary renders action counts as "install=2 remove=1".
func formatSummary(summary map[string]int) string {
	parts := make([]string, 0, len(summary))
	for action, n := range summary {
		parts = append(parts, fmt.Sprintf("%s=%d", action, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
