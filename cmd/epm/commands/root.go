package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epm/pkg/config"
	"github.com/openfroyo/epm/pkg/control"
)

var (
	// Global flags
	configPath     string
	verbose        bool
	jsonOutput     bool
	force          bool
	allowDowngrade bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "epm",
		Short: "epm - package manager transaction engine",
		Long: `epm installs, upgrades and removes packages from configured channels.

Every change goes through one transaction:
  - Packages are resolved against the channels and the installed database
  - The change set is checked against guard rules
  - Artifacts are fetched and verified
  - Changes are committed backend by backend and recorded in the history`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&force, "force", false, "turn lock failures into warnings")
	rootCmd.PersistentFlags().BoolVar(&allowDowngrade, "allow-downgrade", false, "report downgrades as warnings instead of denying them")

	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newRemoveCommand())
	rootCmd.AddCommand(newUpgradeCommand())
	rootCmd.AddCommand(newReinstallCommand())
	rootCmd.AddCommand(newFixCommand())
	rootCmd.AddCommand(newUpdateCommand())
	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newChannelsCommand())
	rootCmd.AddCommand(newCheckCommand())
	rootCmd.AddCommand(newRulesCommand())
	rootCmd.AddCommand(newMetricsCommand())

	return rootCmd
}

// loadConfig reads the configuration from --config or the default locations.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		return nil, err
	}

	switch {
	case verbose:
		cfg.Telemetry.Logging.Level = "debug"
	case os.Getenv("EPM_LOG_LEVEL") != "":
		cfg.Telemetry.Logging.Level = os.Getenv("EPM_LOG_LEVEL")
	}
	return cfg, nil
}

// openControl builds a Control from the configuration. With load set, the
// package cache is read from the channels before returning.
func openControl(ctx context.Context, load bool) (*control.Control, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	ctl, err := control.New(ctx, cfg, &control.Options{Force: force, AllowDowngrade: allowDowngrade})
	if err != nil {
		return nil, err
	}
	if load {
		if err := ctl.Load(ctx); err != nil {
			ctl.Close()
			return nil, err
		}
	}
	return ctl, nil
}
