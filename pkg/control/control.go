package control

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/epm/pkg/backends/archive"
	"github.com/openfroyo/epm/pkg/backends/native"
	"github.com/openfroyo/epm/pkg/channels"
	"github.com/openfroyo/epm/pkg/config"
	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/fetch"
	"github.com/openfroyo/epm/pkg/guard"
	"github.com/openfroyo/epm/pkg/pathlock"
	"github.com/openfroyo/epm/pkg/progress"
	"github.com/openfroyo/epm/pkg/scripted"
	"github.com/openfroyo/epm/pkg/scriptlet"
	"github.com/openfroyo/epm/pkg/stores"
	"github.com/openfroyo/epm/pkg/telemetry"
)

// Options are runtime overrides of the loaded configuration.
type Options struct {
	// Force ignores lock contention and lock failures.
	Force bool

	// AllowDowngrade turns downgrade denials into warnings.
	AllowDowngrade bool
}

// Option configures a Control.
type Option func(*Control)

// WithTelemetry replaces the telemetry built from the configuration. The
// caller keeps ownership and shuts it down.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(c *Control) {
		c.tel = tel
	}
}

// WithExecutor runs dpkg and rpm through exec and skips the tool lookup.
func WithExecutor(exec native.Executor) Option {
	return func(c *Control) {
		c.executor = exec
		c.executorSet = true
	}
}

// WithTransport registers a fetch transport for a URL scheme.
func WithTransport(scheme string, t fetch.Transport) Option {
	return func(c *Control) {
		c.transports[scheme] = t
	}
}

// Control owns every long-lived component of an epm process.
type Control struct {
	cfg  *config.Config
	opts *Options

	tel         *telemetry.Telemetry
	ownsTel     bool
	logger      zerolog.Logger
	executor    native.Executor
	executorSet bool
	transports  map[string]fetch.Transport

	locks     *pathlock.PathLocks
	store     *stores.SQLiteStore
	progress  *progress.Reporter
	fetcher   *fetch.Service
	scripts   *scriptlet.Runner
	registry  *channels.Registry
	channels  []channels.Channel
	cache     *engine.Cache
	backends  *engine.BackendRegistry
	committer *engine.Committer
	guard     *guard.Engine
	ranker    *scripted.Ranker

	mu        sync.Mutex
	fileChans []channels.Channel
	activeTx  string
}

// New builds a Control from cfg. The package cache is empty until Load or
// Update is called.
func New(ctx context.Context, cfg *config.Config, opts *Options, options ...Option) (c *Control, err error) {
	if opts == nil {
		opts = &Options{}
	}
	c = &Control{
		cfg:        cfg,
		opts:       opts,
		executor:   &native.CommandExecutor{UseSudo: cfg.Backends.Native.UseSudo},
		transports: make(map[string]fetch.Transport),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.tel == nil {
		c.tel, err = telemetry.NewTelemetry(&cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		c.ownsTel = true
	}
	c.logger = c.tel.Logger.NewComponentLogger("control").Zerolog()

	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	for _, dir := range []string{cfg.DataDir, cfg.CacheDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	lockOpts := []pathlock.Option{pathlock.WithLogger(c.logger)}
	if cfg.Lock.Sentinel != nil {
		lockOpts = append(lockOpts, pathlock.WithSentinel(*cfg.Lock.Sentinel))
	}
	c.locks = pathlock.New(cfg.Lock.Force || opts.Force, lockOpts...)

	if err := c.openStore(ctx); err != nil {
		return nil, err
	}

	c.progress = progress.NewReporter(c.logger)

	fetchOpts := []fetch.Option{
		fetch.WithLogger(c.logger),
		fetch.WithLocker(c.locks),
		fetch.WithProgress(c.progress),
		fetch.WithTelemetry(c.tel),
	}
	for scheme, t := range c.transports {
		fetchOpts = append(fetchOpts, fetch.WithTransport(scheme, t))
	}
	c.fetcher, err = fetch.New(fetch.Config{
		CacheDir:    cfg.CacheDir,
		Concurrency: cfg.Fetch.Concurrency,
		Timeout:     cfg.Fetch.Timeout,
		SFTP: fetch.SFTPConfig{
			User:                  cfg.Fetch.SFTP.User,
			KeyFile:               cfg.Fetch.SFTP.KeyFile,
			KnownHosts:            cfg.Fetch.SFTP.KnownHosts,
			InsecureIgnoreHostKey: cfg.Fetch.SFTP.InsecureIgnoreHostKey,
		},
	}, fetchOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	c.scripts, err = scriptlet.NewRunner(ctx, scriptlet.Config{Root: cfg.Root}, scriptlet.WithLogger(c.logger))
	if err != nil {
		return nil, err
	}

	if err := c.createChannels(); err != nil {
		return nil, err
	}
	c.cache = engine.NewCache(channels.Loaders(c.channels), engine.WithCacheLogger(c.logger))

	if err := c.registerBackends(); err != nil {
		return nil, err
	}
	c.committer = engine.NewCommitter(engine.CommitterConfig{}, c.fetcher, c.backends, c.progress,
		engine.WithCommitterLogger(c.logger))

	c.guard, err = guard.NewEngine(c.logger)
	if err != nil {
		return nil, err
	}
	if cfg.Guard.RulesDir != "" {
		if err := c.guard.LoadRules(ctx, cfg.Guard.RulesDir); err != nil {
			return nil, fmt.Errorf("failed to load guard rules: %w", err)
		}
	}

	if cfg.Ranking.Script != "" {
		c.ranker, err = scripted.LoadFile(cfg.Ranking.Script,
			scripted.WithTimeout(cfg.Ranking.Timeout),
			scripted.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
	}

	return c, nil
}

func (c *Control) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(stores.Config{Path: c.cfg.StorePath()})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open installed database: %w", err)
	}
	c.store = store

	unlock, err := c.lock(c.cfg.DataDir, true)
	if err != nil {
		return err
	}
	defer unlock()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate installed database: %w", err)
	}
	return nil
}

// inspectors maps package file suffixes to the metadata readers of the
// enabled backends.
func (c *Control) inspectors() map[string]channels.Inspector {
	out := make(map[string]channels.Inspector)
	for _, suffix := range archive.Suffixes {
		out[suffix] = archive.Inspect
	}
	if c.cfg.Backends.Native.Enabled {
		for _, m := range []native.Manager{native.Dpkg, native.RPM} {
			out[m.Suffix()] = m.Inspector(c.executor)
		}
	}
	return out
}

func (c *Control) createChannels() error {
	c.registry = channels.NewRegistry(channels.Env{
		CacheDir:   c.cfg.CacheDir,
		Store:      c.store,
		Inspectors: c.inspectors(),
		Logger:     c.logger,
	})

	chs, err := c.registry.CreateAll(c.cfg.Channels)
	if err != nil {
		return err
	}

	hasInstalled := false
	for _, ch := range chs {
		if ch.Type() == config.ChannelInstalled {
			hasInstalled = true
		}
	}
	if !hasInstalled {
		chs = append(chs, channels.NewInstalledChannel(c.store))
		channels.Sort(chs)
	}
	c.channels = chs
	return nil
}

// Close releases every resource held by the Control.
func (c *Control) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.scripts != nil {
		keep(c.scripts.Close(context.Background()))
	}
	if c.fetcher != nil {
		keep(c.fetcher.Close())
	}
	if c.store != nil {
		keep(c.store.Close())
	}
	if c.locks != nil {
		c.locks.UnlockAll()
	}
	if c.ownsTel && c.tel != nil {
		keep(c.tel.Shutdown(context.Background()))
	}
	return firstErr
}

// Config returns the configuration the Control was built from.
func (c *Control) Config() *config.Config { return c.cfg }

// Cache returns the package cache.
func (c *Control) Cache() *engine.Cache { return c.cache }

// Channels returns the configured channels in priority order.
func (c *Control) Channels() []channels.Channel {
	return append([]channels.Channel(nil), c.channels...)
}

// Store returns the installed database.
func (c *Control) Store() stores.Store { return c.store }

// Progress returns the progress reporter shared by fetches and commits.
func (c *Control) Progress() *progress.Reporter { return c.progress }

// Guard returns the rule engine.
func (c *Control) Guard() *guard.Engine { return c.guard }

// Backends returns the backend registry.
func (c *Control) Backends() *engine.BackendRegistry { return c.backends }

// Telemetry returns the telemetry in use.
func (c *Control) Telemetry() *telemetry.Telemetry { return c.tel }

// WatchRules reloads the guard rules whenever the rules directory changes,
// until ctx is done. onReload, if set, is called after every reload.
func (c *Control) WatchRules(ctx context.Context, onReload func([]guard.Rule)) (*guard.Loader, error) {
	if c.cfg.Guard.RulesDir == "" {
		return nil, fmt.Errorf("no guard rules directory configured")
	}
	loader := guard.NewLoader(c.logger)
	err := loader.Watch(ctx, c.cfg.Guard.RulesDir, func(rules []guard.Rule) error {
		if err := c.guard.SetRules(ctx, rules); err != nil {
			return err
		}
		if onReload != nil {
			onReload(c.guard.ListRules())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

func (c *Control) scriptDir() string {
	return filepath.Join(c.cfg.DataDir, "scripts")
}
