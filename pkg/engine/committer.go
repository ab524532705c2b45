package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// DefaultArtifactLabel is the fetch area used for package artifacts.
const DefaultArtifactLabel = "packages"

// CommitterConfig configures a Committer.
type CommitterConfig struct {
	// ArtifactLabel names the fetch destination for package artifacts.
	ArtifactLabel string
}

// Committer turns a resolved transaction into fetched artifacts and
// sequential per-backend commits.
type Committer struct {
	config   CommitterConfig
	fetcher  Fetcher
	registry *BackendRegistry
	progress Progress
	logger   zerolog.Logger
}

// CommitterOption configures a Committer.
type CommitterOption func(*Committer)

// WithCommitterLogger sets the committer logger.
func WithCommitterLogger(logger zerolog.Logger) CommitterOption {
	return func(c *Committer) {
		c.logger = logger
	}
}

// NewCommitter creates a committer. A nil progress discards progress updates.
func NewCommitter(cfg CommitterConfig, fetcher Fetcher, registry *BackendRegistry, progress Progress, opts ...CommitterOption) *Committer {
	if cfg.ArtifactLabel == "" {
		cfg.ArtifactLabel = DefaultArtifactLabel
	}
	if progress == nil {
		progress = NopProgress{}
	}
	c := &Committer{
		config:   cfg,
		fetcher:  fetcher,
		registry: registry,
		progress: progress,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Progress returns the shared progress reporter.
func (c *Committer) Progress() Progress {
	return c.progress
}

// checkTransaction rejects transactions that are unresolved or stale.
func (c *Committer) checkTransaction(tx *Transaction) error {
	if tx.State() != StateResolved {
		return NewPermanentError(fmt.Sprintf("transaction is %s, not resolved", tx.State()), nil).
			WithCode(ErrCodeNotResolved)
	}
	if gen := tx.Cache().Generation(); gen != tx.Generation() {
		return NewPermanentError("transaction was resolved against a previous package cache", nil).
			WithCode(ErrCodeStaleTransaction).
			WithDetail("transaction_generation", tx.Generation()).
			WithDetail("cache_generation", gen)
	}
	return nil
}

// URLs resolves the download URL of every install-like package of the
// transaction through its source loader.
func (c *Committer) URLs(tx *Transaction) (map[*Package]string, error) {
	if err := c.checkTransaction(tx); err != nil {
		return nil, err
	}
	urls := make(map[*Package]string)
	for _, e := range tx.ChangeSet().Entries() {
		if !e.Action.NeedsArtifact() {
			continue
		}
		loader, ok := e.Package.SourceLoader()
		if !ok {
			return nil, NewInternalError(
				fmt.Sprintf("%s is marked for %s but no loader offers it for installation", e.Package, e.Action), nil,
			).WithPackage(e.Package.String()).WithOperation("acquire")
		}
		info, err := loader.Info(e.Package)
		if err != nil {
			return nil, NewPermanentError(fmt.Sprintf("loader %s has no download information", loader.Name()), err).
				WithCode(ErrCodeLoaderFailed).
				WithPackage(e.Package.String()).
				WithOperation("acquire")
		}
		if info.URL == "" {
			return nil, NewInternalError(fmt.Sprintf("loader %s returned an empty URL", loader.Name()), nil).
				WithPackage(e.Package.String()).WithOperation("acquire")
		}
		urls[e.Package] = info.URL
	}
	return urls, nil
}

// Acquire fetches the artifacts of every install-like package. Either every
// artifact is available or the call fails listing every unreachable URL.
func (c *Committer) Acquire(ctx context.Context, tx *Transaction) (map[*Package]string, error) {
	pkgURLs, err := c.URLs(tx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(pkgURLs))
	urls := make([]string, 0, len(pkgURLs))
	for _, url := range pkgURLs {
		if !seen[url] {
			seen[url] = true
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)

	c.logger.Info().Int("artifacts", len(urls)).Str("transaction_id", tx.ID()).Msg("Acquiring artifacts")
	succeeded, failed, err := c.fetcher.Get(ctx, urls, c.config.ArtifactLabel)
	if err != nil {
		return nil, &EngineError{
			Class:     ErrorClassAcquisition,
			Code:      ErrCodeAcquisitionFailed,
			Message:   "fetch service failed",
			Operation: "acquire",
			Err:       err,
		}
	}
	if len(failed) > 0 {
		return nil, NewAcquisitionError(failed)
	}

	artifacts := make(map[*Package]string, len(pkgURLs))
	missing := make(map[string]string)
	for pkg, url := range pkgURLs {
		path, ok := succeeded[url]
		if !ok {
			missing[url] = "not reported by the fetch service"
			continue
		}
		artifacts[pkg] = path
	}
	if len(missing) > 0 {
		return nil, NewAcquisitionError(missing)
	}
	return artifacts, nil
}

// Download acquires every artifact of tx without committing.
func (c *Committer) Download(ctx context.Context, tx *Transaction) (map[*Package]string, error) {
	return c.Acquire(ctx, tx)
}

// Commit dispatches each backend partition in plan order. The first failing
// backend stops the commit; partitions already applied are not rolled back.
func (c *Committer) Commit(ctx context.Context, tx *Transaction, artifacts map[*Package]string) error {
	return c.commit(ctx, tx, artifacts, nil)
}

// CommitStepped is like Commit but asks confirm before every partition.
// A declined step stops the commit without error and reports false.
func (c *Committer) CommitStepped(ctx context.Context, tx *Transaction, artifacts map[*Package]string, confirm func(step int, kind BackendKind, ops map[*Package]Action) bool) (bool, error) {
	completed := true
	err := c.commit(ctx, tx, artifacts, func(step int, kind BackendKind, ops map[*Package]Action) bool {
		if confirm(step, kind, ops) {
			return true
		}
		completed = false
		return false
	})
	return completed && err == nil, err
}

func (c *Committer) commit(ctx context.Context, tx *Transaction, artifacts map[*Package]string, confirm func(int, BackendKind, map[*Package]Action) bool) error {
	if err := c.checkTransaction(tx); err != nil {
		return err
	}
	cs := tx.ChangeSet()

	for _, pkg := range cs.Installs() {
		if _, ok := artifacts[pkg]; !ok {
			return NewInternalError(fmt.Sprintf("no artifact for %s", pkg), nil).
				WithPackage(pkg.String()).WithOperation("commit")
		}
	}

	plan, err := PlanPartitions(cs, c.registry)
	if err != nil {
		return err
	}
	if plan.Cyclic {
		c.logger.Warn().Msg("Cross-backend requirements form a cycle, committing in priority order")
	}

	factories := make(map[BackendKind]BackendFactory, len(plan.Order))
	for _, kind := range plan.Order {
		factory, err := c.registry.Lookup(kind)
		if err != nil {
			return err
		}
		factories[kind] = factory
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	parts := Partition(cs)
	c.progress.Reset()
	c.progress.SetTotal(cs.Len())

	for step, kind := range plan.Order {
		ops := parts[kind]
		if confirm != nil && !confirm(step, kind, ops) {
			c.logger.Info().Str("backend", string(kind)).Msg("Commit stopped before backend")
			return nil
		}

		subset := make(map[*Package]string)
		for pkg, action := range ops {
			if action.NeedsArtifact() {
				subset[pkg] = artifacts[pkg]
			}
		}

		c.logger.Info().
			Str("backend", string(kind)).
			Int("step", step+1).
			Int("steps", len(plan.Order)).
			Int("packages", len(ops)).
			Msg("Committing backend partition")
		c.progress.SetTopic(fmt.Sprintf("Committing %s packages", kind))

		backend := factories[kind]()
		backend.SetProgress(c.progress)
		if err := backend.Commit(ctx, ops, subset); err != nil {
			c.logger.Error().Err(err).Str("backend", string(kind)).Msg("Backend commit failed")
			return NewBackendCommitError(kind, err)
		}
	}
	return nil
}

// AcquireAndCommit acquires every artifact, then commits.
func (c *Committer) AcquireAndCommit(ctx context.Context, tx *Transaction) error {
	artifacts, err := c.Acquire(ctx, tx)
	if err != nil {
		return err
	}
	return c.Commit(ctx, tx, artifacts)
}
