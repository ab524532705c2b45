// Package archive implements the built-in tarball backend.
//
// Archive packages are gzip-compressed tar files carrying a PKGINFO.yaml
// with the package metadata, an optional .scripts directory of WASI
// scriptlets and the payload, extracted relative to the install root. The
// files a package installs are recorded in the store and read back when it
// is removed.
package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/scriptlet"
	"github.com/openfroyo/epm/pkg/stores"
)

// FileStore records package file ownership.
type FileStore interface {
	SetPackageFiles(ctx context.Context, pkg stores.PackageRef, files []stores.PackageFile) error
	PackageFiles(ctx context.Context, pkg stores.PackageRef) ([]stores.PackageFile, error)
	FileOwners(ctx context.Context, path string) ([]string, error)
	DeletePackageFiles(ctx context.Context, pkg stores.PackageRef) error
}

// ScriptRunner executes scriptlets.
type ScriptRunner interface {
	Run(ctx context.Context, s scriptlet.Script) (*scriptlet.Result, error)
}

// Config configures the archive backend.
type Config struct {
	// Root is the install root payloads are extracted into.
	Root string

	// ScriptDir keeps the remove scriptlets of installed packages.
	ScriptDir string
}

// Backend installs and removes archive packages.
type Backend struct {
	cfg      Config
	store    FileStore
	runner   ScriptRunner
	progress engine.Progress
	logger   zerolog.Logger
}

// NewFactory returns a factory for the engine backend registry. runner may
// be nil, in which case packages shipping scriptlets are rejected.
func NewFactory(cfg Config, store FileStore, runner ScriptRunner, logger zerolog.Logger) engine.BackendFactory {
	return func() engine.Backend {
		return &Backend{
			cfg:      cfg,
			store:    store,
			runner:   runner,
			progress: engine.NopProgress{},
			logger:   logger.With().Str("backend", string(engine.BackendArchive)).Logger(),
		}
	}
}

// SetProgress implements engine.Backend.
func (b *Backend) SetProgress(p engine.Progress) {
	b.progress = p
}

// Commit removes packages first and then installs, each group in key
// order. Fix entries need no work.
func (b *Backend) Commit(ctx context.Context, ops map[*engine.Package]engine.Action, artifacts map[*engine.Package]string) error {
	var removals, installs []*engine.Package
	for pkg, action := range ops {
		switch {
		case action.IsInstallLike():
			installs = append(installs, pkg)
		case action == engine.ActionRemove:
			removals = append(removals, pkg)
		}
	}
	byKey := func(pkgs []*engine.Package) {
		sort.Slice(pkgs, func(i, j int) bool { return pkgs[i].Key() < pkgs[j].Key() })
	}
	byKey(removals)
	byKey(installs)

	total := int64(len(ops))
	var done int64
	for _, pkg := range removals {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.remove(ctx, pkg); err != nil {
			return fmt.Errorf("failed to remove %s: %w", pkg, err)
		}
		done++
		b.progress.SetSub(string(engine.BackendArchive), done, total)
	}
	for _, pkg := range installs {
		if err := ctx.Err(); err != nil {
			return err
		}
		artifact, ok := artifacts[pkg]
		if !ok {
			return fmt.Errorf("no artifact for %s", pkg)
		}
		if err := b.install(ctx, pkg, artifact); err != nil {
			return fmt.Errorf("failed to install %s: %w", pkg, err)
		}
		done++
		b.progress.SetSub(string(engine.BackendArchive), done, total)
	}
	return nil
}

func (b *Backend) install(ctx context.Context, pkg *engine.Package, artifact string) error {
	archive, err := Open(artifact)
	if err != nil {
		return err
	}
	if archive.Spec.Key() != pkg.Key() {
		return fmt.Errorf("artifact %s contains %s", artifact, archive.Spec.Key())
	}
	if len(archive.Scripts) > 0 && b.runner == nil {
		return fmt.Errorf("package ships scriptlets but scriptlets are disabled")
	}

	ref := refOf(pkg)
	if err := b.checkOwnership(ctx, ref, archive.Entries); err != nil {
		return err
	}

	if err := b.runScript(ctx, pkg, scriptlet.PreInstall, archive.Scripts[scriptlet.PreInstall]); err != nil {
		return err
	}

	files := make([]stores.PackageFile, 0, len(archive.Entries))
	for _, entry := range archive.Entries {
		if err := b.extract(entry); err != nil {
			return err
		}
		files = append(files, stores.PackageFile{
			Path:  "/" + entry.Path,
			Mode:  uint32(entry.Mode),
			IsDir: entry.IsDir(),
		})
	}
	if err := b.store.SetPackageFiles(ctx, ref, files); err != nil {
		return err
	}

	if err := b.saveRemoveScripts(ref, archive.Scripts); err != nil {
		return err
	}

	if err := b.runScript(ctx, pkg, scriptlet.PostInstall, archive.Scripts[scriptlet.PostInstall]); err != nil {
		return err
	}

	b.logger.Info().
		Str("package", pkg.String()).
		Int("files", len(files)).
		Msg("Package installed")
	return nil
}

func (b *Backend) remove(ctx context.Context, pkg *engine.Package) error {
	ref := refOf(pkg)
	scripts := b.loadRemoveScripts(ref)

	if err := b.runScript(ctx, pkg, scriptlet.PreRemove, scripts[scriptlet.PreRemove]); err != nil {
		return err
	}

	files, err := b.store.PackageFiles(ctx, ref)
	if err != nil {
		return err
	}
	key := ref.Key()
	for _, f := range files {
		target := filepath.Join(b.cfg.Root, filepath.FromSlash(f.Path))
		if f.IsDir {
			// Directories shared with other packages stay until empty.
			_ = os.Remove(target)
			continue
		}
		owners, err := b.store.FileOwners(ctx, f.Path)
		if err != nil {
			return err
		}
		if sharedWith(owners, key) {
			continue
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", f.Path, err)
		}
	}

	if err := b.runScript(ctx, pkg, scriptlet.PostRemove, scripts[scriptlet.PostRemove]); err != nil {
		return err
	}

	if err := b.store.DeletePackageFiles(ctx, ref); err != nil {
		return err
	}
	if b.cfg.ScriptDir != "" {
		_ = os.RemoveAll(filepath.Join(b.cfg.ScriptDir, key))
	}

	b.logger.Info().
		Str("package", pkg.String()).
		Int("files", len(files)).
		Msg("Package removed")
	return nil
}

// checkOwnership rejects payload files already owned by another package.
func (b *Backend) checkOwnership(ctx context.Context, ref stores.PackageRef, entries []Entry) error {
	key := ref.Key()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		owners, err := b.store.FileOwners(ctx, "/"+entry.Path)
		if err != nil {
			return err
		}
		for _, owner := range owners {
			if owner != key {
				return fmt.Errorf("file /%s is owned by %s", entry.Path, owner)
			}
		}
	}
	return nil
}

func (b *Backend) extract(entry Entry) error {
	target := filepath.Join(b.cfg.Root, filepath.FromSlash(entry.Path))
	mode := os.FileMode(entry.Mode).Perm()

	if err := b.checkParents(entry.Path); err != nil {
		return err
	}

	switch entry.Type {
	case tar.TypeDir:
		if err := os.MkdirAll(target, mode|0o700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return nil

	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to replace %s: %w", entry.Path, err)
		}
		if err := os.Symlink(entry.Linkname, target); err != nil {
			return fmt.Errorf("failed to create symlink: %w", err)
		}
		return nil

	default:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(target), ".epm-*")
		if err != nil {
			return fmt.Errorf("failed to write %s: %w", entry.Path, err)
		}
		defer os.Remove(tmp.Name())

		if _, err := tmp.Write(entry.Data); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write %s: %w", entry.Path, err)
		}
		if err := tmp.Chmod(mode); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to set mode: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("failed to write %s: %w", entry.Path, err)
		}
		if err := os.Rename(tmp.Name(), target); err != nil {
			return fmt.Errorf("failed to write %s: %w", entry.Path, err)
		}
		return nil
	}
}

func (b *Backend) runScript(ctx context.Context, pkg *engine.Package, phase scriptlet.Phase, module []byte) error {
	if len(module) == 0 {
		return nil
	}
	if b.runner == nil {
		return fmt.Errorf("%s scriptlet present but scriptlets are disabled", phase)
	}
	res, err := b.runner.Run(ctx, scriptlet.Script{
		Package: pkg.Name,
		Version: pkg.Version,
		Phase:   phase,
		Module:  module,
	})
	if err != nil {
		return err
	}
	if res.Stdout != "" {
		b.logger.Debug().Str("package", pkg.String()).Str("phase", string(phase)).Msg(strings.TrimSpace(res.Stdout))
	}
	return nil
}

func (b *Backend) saveRemoveScripts(ref stores.PackageRef, scripts map[scriptlet.Phase][]byte) error {
	if b.cfg.ScriptDir == "" {
		return nil
	}
	dir := filepath.Join(b.cfg.ScriptDir, ref.Key())
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to clear scriptlets: %w", err)
	}
	for _, phase := range []scriptlet.Phase{scriptlet.PreRemove, scriptlet.PostRemove} {
		data, ok := scripts[phase]
		if !ok {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to save scriptlets: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, phase.FileName()), data, 0o644); err != nil {
			return fmt.Errorf("failed to save scriptlets: %w", err)
		}
	}
	return nil
}

func (b *Backend) loadRemoveScripts(ref stores.PackageRef) map[scriptlet.Phase][]byte {
	scripts := make(map[scriptlet.Phase][]byte)
	if b.cfg.ScriptDir == "" {
		return scripts
	}
	for _, phase := range []scriptlet.Phase{scriptlet.PreRemove, scriptlet.PostRemove} {
		if data, err := os.ReadFile(filepath.Join(b.cfg.ScriptDir, ref.Key(), phase.FileName())); err == nil {
			scripts[phase] = data
		}
	}
	return scripts
}

func refOf(pkg *engine.Package) stores.PackageRef {
	return stores.PackageRef{Name: pkg.Name, Version: pkg.Version, Arch: pkg.Arch, Backend: string(pkg.Backend)}
}

// sharedWith reports whether another package besides key owns a file.
func sharedWith(owners []string, key string) bool {
	for _, owner := range owners {
		if owner != key {
			return true
		}
	}
	return false
}

// checkParents walks the existing directories above an entry and fails if
// any of them is a symlink leading outside the install root.
func (b *Backend) checkParents(name string) error {
	root, err := filepath.EvalSymlinks(b.cfg.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve root: %w", err)
	}

	dir := b.cfg.Root
	parts := strings.Split(path.Dir(name), "/")
	for _, part := range parts {
		if part == "." || part == "" {
			continue
		}
		dir = filepath.Join(dir, part)
		info, err := os.Lstat(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to inspect %s: %w", dir, err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		resolved, err := filepath.EvalSymlinks(dir)
		if err != nil {
			return fmt.Errorf("%s: unresolvable symlink in path: %w", name, err)
		}
		if !within(root, resolved) {
			return fmt.Errorf("%s: path leaves the install root through %s", name, dir)
		}
	}
	return nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
