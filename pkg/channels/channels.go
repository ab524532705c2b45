package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/epm/pkg/config"
	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/stores"
)

// Channel is a configured source of packages.
type Channel interface {
	// Name returns the configured channel name.
	Name() string

	// Type returns the channel type, e.g. "yaml-index".
	Type() string

	// Priority orders channels; higher priorities are consulted first.
	Priority() int

	// Refresh brings the channel's cached index up to date. Channels
	// without remote state return nil.
	Refresh(ctx context.Context, fetcher engine.Fetcher) error

	// Loader returns the engine loader reading this channel.
	Loader() engine.Loader
}

// Inspector reads package metadata from a local package file.
type Inspector func(path string) (engine.PackageSpec, error)

// Env carries the dependencies shared by channel factories.
type Env struct {
	// CacheDir is where remote indexes are kept.
	CacheDir string

	// Store backs the installed channel.
	Store stores.Store

	// Inspectors maps a file suffix such as ".epk" to its inspector.
	Inspectors map[string]Inspector

	Logger zerolog.Logger
}

// Inspect picks the inspector with the longest matching suffix.
func (e Env) Inspect(path string) (engine.PackageSpec, error) {
	var (
		best    string
		inspect Inspector
	)
	for suffix, fn := range e.Inspectors {
		if strings.HasSuffix(path, suffix) && len(suffix) > len(best) {
			best, inspect = suffix, fn
		}
	}
	if inspect == nil {
		return engine.PackageSpec{}, fmt.Errorf("unsupported package file: %s", path)
	}
	return inspect(path)
}

// Factory creates a channel from its configuration.
type Factory func(cfg config.ChannelConfig, env Env) (Channel, error)

// Registry maps channel types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	env       Env
}

// NewRegistry creates a registry with the built-in channel types.
func NewRegistry(env Env) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		env:       env,
	}
	r.factories[config.ChannelYAMLIndex] = newIndexChannel
	r.factories[config.ChannelFile] = newFileChannel
	r.factories[config.ChannelInstalled] = newInstalledChannel
	return r
}

// Env returns the environment handed to factories.
func (r *Registry) Env() Env {
	return r.env
}

// Register adds a channel type.
func (r *Registry) Register(typ string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[typ]; exists {
		return fmt.Errorf("channel type %s is already registered", typ)
	}
	r.factories[typ] = factory
	return nil
}

// Types returns the registered channel types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Create builds one channel.
func (r *Registry) Create(cfg config.ChannelConfig) (Channel, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("channel %s: unknown type %q", cfg.Name, cfg.Type)
	}

	ch, err := factory(cfg, r.env)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.Name, err)
	}
	return ch, nil
}

// CreateAll builds every enabled channel, ordered by priority and then name.
func (r *Registry) CreateAll(cfgs []config.ChannelConfig) ([]Channel, error) {
	var out []Channel
	for _, cfg := range cfgs {
		if cfg.Disabled {
			continue
		}
		ch, err := r.Create(cfg)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	Sort(out)
	return out, nil
}

// Sort orders channels by descending priority, then name.
func Sort(chs []Channel) {
	sort.SliceStable(chs, func(i, j int) bool {
		if chs[i].Priority() != chs[j].Priority() {
			return chs[i].Priority() > chs[j].Priority()
		}
		return chs[i].Name() < chs[j].Name()
	})
}

// Loaders returns the loaders of chs in order.
func Loaders(chs []Channel) []engine.Loader {
	loaders := make([]engine.Loader, 0, len(chs))
	for _, ch := range chs {
		loaders = append(loaders, ch.Loader())
	}
	return loaders
}
