// Package native installs deb and rpm packages through dpkg and rpm.
package native

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/epm/pkg/engine"
)

// Manager describes one native package tool.
type Manager struct {
	kind    engine.BackendKind
	tool    string
	remove  []string
	install func(actions map[engine.Action]bool) []string
	inspect func(ctx context.Context, exec Executor, path string) (engine.PackageSpec, error)
}

// Dpkg drives Debian packages.
var Dpkg = Manager{
	kind:   engine.BackendDeb,
	tool:   "dpkg",
	remove: []string{"--remove"},
	install: func(map[engine.Action]bool) []string {
		return []string{"--install"}
	},
	inspect: inspectDeb,
}

// RPM drives RPM packages.
var RPM = Manager{
	kind:   engine.BackendRPM,
	tool:   "rpm",
	remove: []string{"--erase"},
	install: func(actions map[engine.Action]bool) []string {
		args := []string{"--upgrade"}
		if actions[engine.ActionReinstall] {
			args = append(args, "--replacepkgs")
		}
		if actions[engine.ActionDowngrade] {
			args = append(args, "--oldpackage")
		}
		return args
	},
	inspect: inspectRPM,
}

// Kind returns the backend kind the manager serves.
func (m Manager) Kind() engine.BackendKind {
	return m.kind
}

// Suffix returns the package file extension.
func (m Manager) Suffix() string {
	return "." + string(m.kind)
}

// Inspector returns a function reading package metadata with exec.
func (m Manager) Inspector(exec Executor) func(path string) (engine.PackageSpec, error) {
	return func(path string) (engine.PackageSpec, error) {
		return m.inspect(context.Background(), exec, path)
	}
}

// Backend commits a partition through the native tool.
type Backend struct {
	manager  Manager
	exec     Executor
	progress engine.Progress
	logger   zerolog.Logger
}

// NewFactory returns a factory for the engine backend registry.
func NewFactory(manager Manager, exec Executor, logger zerolog.Logger) engine.BackendFactory {
	return func() engine.Backend {
		return &Backend{
			manager:  manager,
			exec:     exec,
			progress: engine.NopProgress{},
			logger:   logger.With().Str("backend", string(manager.kind)).Logger(),
		}
	}
}

// SetProgress implements engine.Backend.
func (b *Backend) SetProgress(p engine.Progress) {
	b.progress = p
}

// Commit removes packages and then installs the artifacts in one tool
// invocation each. A removal of a name that is also being installed is left
// to the install, which replaces the old copy in place.
func (b *Backend) Commit(ctx context.Context, ops map[*engine.Package]engine.Action, artifacts map[*engine.Package]string) error {
	installing := make(map[string]bool)
	actions := make(map[engine.Action]bool)
	var installs []*engine.Package
	for pkg, action := range ops {
		if action.IsInstallLike() {
			installing[pkg.Name] = true
			actions[action] = true
			installs = append(installs, pkg)
		}
	}

	var removals []string
	for pkg, action := range ops {
		if action == engine.ActionRemove && !installing[pkg.Name] {
			removals = append(removals, pkg.Name)
		}
	}
	sort.Strings(removals)
	sort.Slice(installs, func(i, j int) bool { return installs[i].Key() < installs[j].Key() })

	total := int64(len(removals) + len(installs))
	if len(removals) > 0 {
		args := append(append([]string(nil), b.manager.remove...), removals...)
		if _, err := b.exec.Run(ctx, b.manager.tool, args...); err != nil {
			return err
		}
		b.logger.Info().Strs("packages", removals).Msg("Packages removed")
		b.progress.SetSub(string(b.manager.kind), int64(len(removals)), total)
	}

	if len(installs) > 0 {
		args := b.manager.install(actions)
		names := make([]string, 0, len(installs))
		for _, pkg := range installs {
			artifact, ok := artifacts[pkg]
			if !ok {
				return fmt.Errorf("no artifact for %s", pkg)
			}
			args = append(args, artifact)
			names = append(names, pkg.String())
		}
		if _, err := b.exec.Run(ctx, b.manager.tool, args...); err != nil {
			return err
		}
		b.logger.Info().Strs("packages", names).Msg("Packages installed")
		b.progress.SetSub(string(b.manager.kind), total, total)
	}
	return nil
}

// normalizeArch maps native architecture names onto the shared naming.
func normalizeArch(arch string) string {
	switch arch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "i386":
		return "i686"
	case "all":
		return "noarch"
	default:
		return arch
	}
}

func splitLines(out []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
