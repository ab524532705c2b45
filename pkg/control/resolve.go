package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/epm/pkg/channels"
	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/telemetry"
)

// filesLabel is the fetch area for package files given as URLs.
const filesLabel = "files"

// newTransaction creates a transaction for the named policy, wrapped by the
// ranking script when one is configured.
func (c *Control) newTransaction(name string) (*engine.Transaction, error) {
	policy, err := engine.PolicyByName(name)
	if err != nil {
		return nil, err
	}
	if c.ranker != nil {
		policy = c.ranker.Wrap(policy)
	}
	id := uuid.New().String()
	return engine.NewTransaction(c.cache, policy,
		engine.WithTransactionID(id),
		engine.WithTransactionLogger(c.logger.With().Str("transaction_id", id).Logger()),
	), nil
}

// resolve runs tx and records how long resolution took.
func (c *Control) resolve(ctx context.Context, tx *engine.Transaction) error {
	op := telemetry.StartOperation(c.tel.WithContext(ctx), "resolve")
	timer := telemetry.NewTimer()
	err := tx.Run(op.Ctx)
	op.End(err)
	c.tel.Metrics.RecordResolve(tx.Policy().Name(), timer.Duration())
	if err != nil {
		c.recordError(err)
		return err
	}

	counts := make(map[string]int)
	for action, n := range tx.ChangeSet().Summary() {
		counts[string(action)] = n
	}
	_ = c.tel.Events.PublishTransactionResolved(tx.ID(), counts)
	return nil
}

// isPackageFile reports whether arg names a local package file.
func (c *Control) isPackageFile(arg string) bool {
	info, err := os.Stat(arg)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	if strings.Contains(arg, "/") {
		return true
	}
	for suffix := range c.registry.Env().Inspectors {
		if strings.HasSuffix(arg, suffix) {
			return true
		}
	}
	return false
}

// addFileChannel exposes path as a transient channel for the rest of the
// process.
func (c *Control) addFileChannel(path string) (channels.Channel, error) {
	ch, err := channels.NewFileChannel("file:"+filepath.Base(path), path, c.registry.Env())
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.fileChans = append(c.fileChans, ch)
	c.mu.Unlock()
	c.cache.AddLoader(ch.Loader())
	return ch, nil
}

// downloadFiles fetches package URLs and returns the local files.
func (c *Control) downloadFiles(ctx context.Context, urls []string) ([]string, error) {
	succeeded, failed, err := c.fetcher.Get(ctx, urls, filesLabel)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		var b strings.Builder
		b.WriteString("failed to download packages:")
		keys := make([]string, 0, len(failed))
		for u := range failed {
			keys = append(keys, u)
		}
		sort.Strings(keys)
		for _, u := range keys {
			fmt.Fprintf(&b, "\n    %s: %s", u, failed[u])
		}
		return nil, fmt.Errorf("%s", b.String())
	}
	files := make([]string, 0, len(urls))
	for _, u := range urls {
		files = append(files, succeeded[u])
	}
	return files, nil
}

// lookupSpec returns the cached package built from spec.
func (c *Control) lookupSpec(spec engine.PackageSpec) (*engine.Package, bool) {
	key := spec.Key()
	for _, pkg := range c.cache.Lookup(spec.Name) {
		if pkg.Key() == key {
			return pkg, true
		}
	}
	return nil, false
}

// Install resolves args into an install transaction. Arguments may be
// package names, globs, local package files or URLs of package files.
func (c *Control) Install(ctx context.Context, args []string) (*engine.Transaction, error) {
	var (
		names []string
		files []string
		urls  []string
	)
	for _, arg := range args {
		switch {
		case c.isPackageFile(arg):
			files = append(files, arg)
		case strings.Contains(arg, "://"):
			urls = append(urls, arg)
		default:
			names = append(names, arg)
		}
	}

	if len(urls) > 0 {
		downloaded, err := c.downloadFiles(ctx, urls)
		if err != nil {
			return nil, err
		}
		files = append(files, downloaded...)
	}

	var fileChans []channels.Channel
	for _, file := range files {
		ch, err := c.addFileChannel(file)
		if err != nil {
			return nil, err
		}
		fileChans = append(fileChans, ch)
	}
	if len(fileChans) > 0 {
		if err := c.Load(ctx); err != nil {
			return nil, err
		}
	}

	tx, err := c.newTransaction("install")
	if err != nil {
		return nil, err
	}

	for _, ch := range fileChans {
		specs, err := ch.Loader().Packages(ctx)
		if err != nil {
			return nil, err
		}
		for _, spec := range specs {
			pkg, ok := c.lookupSpec(spec)
			if !ok {
				return nil, engine.NewInternalError(fmt.Sprintf("%s is missing from the cache", spec.Key()), nil)
			}
			if pkg.Installed() {
				return nil, fmt.Errorf("%s is already installed", pkg)
			}
			if err := tx.Enqueue(pkg, engine.ActionInstall); err != nil {
				return nil, err
			}
		}
	}

	all := c.cache.Packages()
	for _, arg := range names {
		m, err := newMatcher(arg)
		if err != nil {
			return nil, err
		}
		pkgs := m.filter(all)
		if len(pkgs) == 0 {
			return nil, fmt.Errorf("'%s' matches no packages", arg)
		}
		engine.SortUpgrades(pkgs)

		for _, pkg := range bestPerName(pkgs) {
			if pkg.Installed() {
				c.logger.Warn().Str("package", pkg.String()).Msg("Package is already installed")
				continue
			}
			if err := tx.Enqueue(pkg, engine.ActionInstall); err != nil && !engine.IsAlreadySatisfied(err) {
				return nil, err
			}
		}
	}

	if err := c.resolve(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// bestPerName keeps the first package of every name, in name order. pkgs
// must already be sorted best first.
func bestPerName(pkgs []*engine.Package) []*engine.Package {
	first := make(map[string]*engine.Package)
	var names []string
	for _, pkg := range pkgs {
		if _, ok := first[pkg.Name]; !ok {
			first[pkg.Name] = pkg
			names = append(names, pkg.Name)
		}
	}
	sort.Strings(names)
	out := make([]*engine.Package, len(names))
	for i, name := range names {
		out[i] = first[name]
	}
	return out
}

// matchInstalled returns the installed packages matching arg.
func (c *Control) matchInstalled(arg string) ([]*engine.Package, error) {
	m, err := newMatcher(arg)
	if err != nil {
		return nil, err
	}
	pkgs := m.filter(c.cache.Installed())
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("'%s' matches no installed packages", arg)
	}
	return pkgs, nil
}

// Remove resolves args into a remove transaction. Installed dependents of
// the removed packages are removed too.
func (c *Control) Remove(ctx context.Context, args []string) (*engine.Transaction, error) {
	tx, err := c.newTransaction("remove")
	if err != nil {
		return nil, err
	}
	for _, arg := range args {
		pkgs, err := c.matchInstalled(arg)
		if err != nil {
			return nil, err
		}
		for _, pkg := range pkgs {
			if err := tx.Enqueue(pkg, engine.ActionRemove); err != nil && !engine.IsAlreadySatisfied(err) {
				return nil, err
			}
		}
	}
	if err := c.resolve(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Upgrade resolves an upgrade of the installed packages matching args, or of
// every installed package when args is empty.
func (c *Control) Upgrade(ctx context.Context, args []string) (*engine.Transaction, error) {
	var targets []*engine.Package
	if len(args) == 0 {
		targets = c.cache.Installed()
	}
	for _, arg := range args {
		pkgs, err := c.matchInstalled(arg)
		if err != nil {
			return nil, err
		}
		targets = append(targets, pkgs...)
	}

	tx, err := c.newTransaction("upgrade")
	if err != nil {
		return nil, err
	}
	for _, pkg := range targets {
		var best *engine.Package
		for _, up := range c.cache.UpgradersOf(pkg) {
			if !up.Installed() {
				best = up
				break
			}
		}
		if best == nil {
			continue
		}
		if err := tx.Enqueue(best, engine.ActionUpgrade); err != nil && !engine.IsAlreadySatisfied(err) {
			return nil, err
		}
	}
	if err := c.resolve(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Reinstall resolves a reinstall of the installed packages matching args
// from the artifacts of their channels.
func (c *Control) Reinstall(ctx context.Context, args []string) (*engine.Transaction, error) {
	if len(args) == 0 {
		return nil, engine.NewPermanentError("nothing to reinstall", nil).WithCode(engine.ErrCodeValidation)
	}
	return c.resolveInstalled(ctx, args, engine.ActionReinstall)
}

// Fix resolves the missing requirements of the installed packages matching
// args, or of every installed package when args is empty.
func (c *Control) Fix(ctx context.Context, args []string) (*engine.Transaction, error) {
	return c.resolveInstalled(ctx, args, engine.ActionFix)
}

func (c *Control) resolveInstalled(ctx context.Context, args []string, action engine.Action) (*engine.Transaction, error) {
	var targets []*engine.Package
	if len(args) == 0 {
		targets = c.cache.Installed()
	}
	for _, arg := range args {
		pkgs, err := c.matchInstalled(arg)
		if err != nil {
			return nil, err
		}
		targets = append(targets, pkgs...)
	}

	tx, err := c.newTransaction("install")
	if err != nil {
		return nil, err
	}
	for _, pkg := range targets {
		if action == engine.ActionReinstall {
			if _, ok := pkg.SourceLoader(); !ok {
				return nil, engine.NewPermanentError(fmt.Sprintf("no channel provides %s", pkg), nil).
					WithCode(engine.ErrCodeNotFound).
					WithPackage(pkg.String())
			}
		}
		if err := tx.Enqueue(pkg, action); err != nil {
			return nil, err
		}
	}
	if err := c.resolve(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// Pending reports whether committing tx would change anything. Fix entries
// alone only re-check requirements.
func Pending(tx *engine.Transaction) bool {
	for _, action := range tx.ChangeSet().Map() {
		if action != engine.ActionFix {
			return true
		}
	}
	return false
}
