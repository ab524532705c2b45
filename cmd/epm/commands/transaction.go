package commands

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/epm/pkg/control"
	"github.com/openfroyo/epm/pkg/engine"
)

// commitFlags are shared by the commands that change the system.
type commitFlags struct {
	urls     bool
	download bool
	stepped  bool
	yes      bool
}

func (f *commitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.urls, "urls", false, "print the package URLs instead of committing")
	cmd.Flags().BoolVar(&f.download, "download", false, "download the packages without committing")
	cmd.Flags().BoolVar(&f.stepped, "stepped", false, "confirm every backend step separately")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "do not ask for confirmation")
}

type resolveFunc func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error)

// runTransaction resolves a transaction with resolve and commits it according
// to flags.
func runTransaction(cmd *cobra.Command, args []string, flags *commitFlags, resolve resolveFunc) error {
	ctx := cmd.Context()
	ctl, err := openControl(ctx, true)
	if err != nil {
		return err
	}
	defer ctl.Close()

	tx, err := resolve(ctx, ctl, args)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	cs := tx.ChangeSet()
	if !control.Pending(tx) {
		fmt.Fprintln(out, "Nothing to do.")
		return nil
	}

	switch {
	case flags.urls:
		return printURLs(cmd, ctl, tx)
	case flags.download:
		return runDownload(ctx, out, newPrompter(cmd.InOrStdin(), out), tx, flags.yes, ctl.Download)
	}

	if !jsonOutput {
		printChanges(out, cs.Map())
	}

	result, err := ctl.Check(ctx, tx)
	if err != nil {
		return err
	}
	if !jsonOutput {
		printViolations(out, "Warnings", result.Warnings)
		printViolations(out, "Denied", result.Denials)
	}

	p := newPrompter(cmd.InOrStdin(), out)
	if !result.Allowed {
		return control.ErrDenied
	}
	if !flags.yes && !flags.stepped && !p.confirm("Proceed?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	var step control.StepConfirm
	if flags.stepped {
		step = func(n int, kind engine.BackendKind, ops map[*engine.Package]engine.Action) bool {
			fmt.Fprintf(out, "Step %d: %s\n", n+1, kind)
			printChanges(out, ops)
			return flags.yes || p.confirm(fmt.Sprintf("Commit %d %s changes?", len(ops), kind))
		}
	}

	outcome, err := ctl.Commit(ctx, tx, step)
	if err != nil {
		return err
	}

	log.Info().
		Str("transaction_id", outcome.TransactionID).
		Dur("duration", outcome.Duration).
		Bool("completed", outcome.Completed).
		Msg("Transaction finished")

	if jsonOutput {
		return printJSON(out, map[string]interface{}{
			"transaction_id": outcome.TransactionID,
			"completed":      outcome.Completed,
			"changes":        changesJSON(cs.Map()),
			"warnings":       outcome.Warnings,
		})
	}
	if !outcome.Completed {
		fmt.Fprintln(out, "Stopped before the last step.")
		return nil
	}
	fmt.Fprintln(out, "Done.")
	return nil
}

type downloadFunc func(ctx context.Context, tx *engine.Transaction) (map[*engine.Package]string, error)

// runDownload shows the changes, asks for confirmation unless yes is set and
// prints the paths of the downloaded artifacts.
func runDownload(ctx context.Context, out io.Writer, p *prompter, tx *engine.Transaction, yes bool, download downloadFunc) error {
	if !jsonOutput {
		printChanges(out, tx.ChangeSet().Map())
	}
	if !yes && !p.confirm("Download?") {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	artifacts, err := download(ctx, tx)
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(artifacts))
	for _, path := range artifacts {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	if jsonOutput {
		return printJSON(out, paths)
	}
	for _, path := range paths {
		fmt.Fprintln(out, path)
	}
	return nil
}

func printURLs(cmd *cobra.Command, ctl *control.Control, tx *engine.Transaction) error {
	urls, err := ctl.URLs(tx)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(urls))
	for pkg, u := range urls {
		lines = append(lines, fmt.Sprintf("%s %s", pkg, u))
	}
	sort.Strings(lines)
	if jsonOutput {
		byPkg := make(map[string]string, len(urls))
		for pkg, u := range urls {
			byPkg[pkg.String()] = u
		}
		return printJSON(cmd.OutOrStdout(), byPkg)
	}
	for _, line := range lines {
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}

func newInstallCommand() *cobra.Command {
	flags := &commitFlags{}

	cmd := &cobra.Command{
		Use:   "install PACKAGE...",
		Short: "Install packages",
		Long: `Install packages and the packages they require.

Arguments may be:
  - a name, name-version or name-version-release
  - a glob such as '*greet*'
  - a local package file
  - the URL of a package file

When several versions match, the newest is installed. Installing a newer
version of an installed package upgrades it.`,
		Example: `  # Install the newest hello
  epm install hello

  # Install a specific version
  epm install hello-2.12

  # Install from a local file without asking
  epm install -y ./hello-2.12.epk

  # Only show where the packages would be fetched from
  epm install --urls hello`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, args, flags, func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
				return ctl.Install(ctx, args)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newRemoveCommand() *cobra.Command {
	flags := &commitFlags{}

	cmd := &cobra.Command{
		Use:   "remove PACKAGE...",
		Short: "Remove installed packages",
		Long: `Remove installed packages. Installed packages that require them are
removed too.`,
		Example: `  # Remove hello
  epm remove hello

  # Remove every installed debug package
  epm remove '*-dbg'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, args, flags, func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
				return ctl.Remove(ctx, args)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newUpgradeCommand() *cobra.Command {
	flags := &commitFlags{}

	cmd := &cobra.Command{
		Use:   "upgrade [PACKAGE...]",
		Short: "Upgrade installed packages",
		Long: `Upgrade the named installed packages, or every installed package when
no names are given.`,
		Example: `  # Upgrade everything
  epm upgrade

  # Upgrade hello one backend at a time
  epm upgrade --stepped hello`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, args, flags, func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
				return ctl.Upgrade(ctx, args)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newReinstallCommand() *cobra.Command {
	flags := &commitFlags{}

	cmd := &cobra.Command{
		Use:   "reinstall PACKAGE...",
		Short: "Reinstall installed packages",
		Long: `Reinstall installed packages from the artifacts of their channels,
restoring their files. The installed version is kept.`,
		Example: `  # Restore the files of hello
  epm reinstall hello`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, args, flags, func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
				return ctl.Reinstall(ctx, args)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newFixCommand() *cobra.Command {
	flags := &commitFlags{}

	cmd := &cobra.Command{
		Use:   "fix [PACKAGE...]",
		Short: "Install missing requirements of installed packages",
		Long: `Check the requirements of the named installed packages, or of every
installed package when no names are given, and install what is missing.`,
		Example: `  # Repair every installed package
  epm fix

  # Only look at hello
  epm fix hello`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTransaction(cmd, args, flags, func(ctx context.Context, ctl *control.Control, args []string) (*engine.Transaction, error) {
				return ctl.Fix(ctx, args)
			})
		},
	}
	flags.register(cmd)
	return cmd
}
