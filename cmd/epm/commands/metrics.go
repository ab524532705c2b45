package commands

import (
	"github.com/spf13/cobra"
)

func newMetricsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Print metrics in Prometheus text format",
		Long: `Load the package cache and print the collected metrics in Prometheus
text exposition format. Set telemetry.metrics.textfile_path in the
configuration to have every command write them for the node exporter.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ctl, err := openControl(ctx, true)
			if err != nil {
				return err
			}
			defer ctl.Close()

			return ctl.Telemetry().Metrics.WriteText(cmd.OutOrStdout())
		},
	}
	return cmd
}
