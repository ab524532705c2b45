package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Cache is the package graph built from a set of loaders. Every Load produces
// a new snapshot with a new generation; transactions record the generation
// they were resolved against.
type Cache struct {
	mu      sync.RWMutex
	loaders []Loader
	logger  zerolog.Logger

	generation string
	packages   []*Package
	byName     map[string][]*Package
	byProvides map[string][]*Package
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheLogger sets the cache logger.
func WithCacheLogger(logger zerolog.Logger) CacheOption {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache creates an empty cache over the given loaders. Call Load to build
// the first snapshot.
func NewCache(loaders []Loader, opts ...CacheOption) *Cache {
	c := &Cache{
		loaders:    append([]Loader(nil), loaders...),
		logger:     zerolog.Nop(),
		byName:     make(map[string][]*Package),
		byProvides: make(map[string][]*Package),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddLoader registers a loader for the next Load.
func (c *Cache) AddLoader(l Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders = append(c.loaders, l)
}

// RemoveLoader unregisters a loader for the next Load.
func (c *Cache) RemoveLoader(l Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaders = slices.DeleteFunc(c.loaders, func(x Loader) bool { return x == l })
}

// Loaders returns the registered loaders.
func (c *Cache) Loaders() []Loader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Loader(nil), c.loaders...)
}

// Load rebuilds the snapshot from every registered loader.
func (c *Cache) Load(ctx context.Context) error {
	c.mu.RLock()
	loaders := append([]Loader(nil), c.loaders...)
	c.mu.RUnlock()

	merged := make(map[string]*Package)
	for _, loader := range loaders {
		specs, err := loader.Packages(ctx)
		if err != nil {
			return NewPermanentError(fmt.Sprintf("loader %s failed", loader.Name()), err).
				WithCode(ErrCodeLoaderFailed)
		}
		for _, spec := range specs {
			if err := spec.Validate(); err != nil {
				return NewPermanentError(fmt.Sprintf("loader %s reported an invalid package", loader.Name()), err).
					WithCode(ErrCodeValidation)
			}
			key := spec.Key()
			pkg, ok := merged[key]
			if !ok {
				pkg = newPackage(spec)
				merged[key] = pkg
			}
			pkg.loaders = append(pkg.loaders, LoaderRef{Loader: loader, Installed: loader.Installed()})
		}
		c.logger.Debug().
			Str("loader", loader.Name()).
			Bool("installed", loader.Installed()).
			Int("packages", len(specs)).
			Msg("Loader read")
	}

	packages := make([]*Package, 0, len(merged))
	for _, pkg := range merged {
		packages = append(packages, pkg)
	}
	sortPackages(packages, comparePackages)

	byName := make(map[string][]*Package)
	byProvides := make(map[string][]*Package)
	for _, pkg := range packages {
		byName[pkg.Name] = append(byName[pkg.Name], pkg)
		seen := make(map[string]bool)
		for _, prov := range pkg.Provisions() {
			if seen[prov.Name] {
				continue
			}
			seen[prov.Name] = true
			byProvides[prov.Name] = append(byProvides[prov.Name], pkg)
		}
	}

	c.mu.Lock()
	c.packages = packages
	c.byName = byName
	c.byProvides = byProvides
	c.generation = uuid.New().String()
	c.mu.Unlock()

	c.logger.Info().
		Int("packages", len(packages)).
		Int("loaders", len(loaders)).
		Msg("Package cache loaded")
	return nil
}

// Generation identifies the current snapshot. It is empty before the first Load.
func (c *Cache) Generation() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// Packages returns every package in the snapshot in listing order.
func (c *Cache) Packages() []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Package(nil), c.packages...)
}

// Lookup returns the packages with the given name, highest version first.
func (c *Cache) Lookup(name string) []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Package(nil), c.byName[name]...)
}

// Installed returns the packages currently on the system.
func (c *Cache) Installed() []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Package
	for _, pkg := range c.packages {
		if pkg.Installed() {
			out = append(out, pkg)
		}
	}
	return out
}

// Providers returns the packages whose provisions satisfy req.
func (c *Cache) Providers(req Capability) []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Package
	for _, pkg := range c.byProvides[req.Name] {
		if pkg.Satisfies(req) {
			out = append(out, pkg)
		}
	}
	return out
}

// Requirers returns the packages that declare a requirement pkg satisfies.
func (c *Cache) Requirers(pkg *Package) []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Package
	for _, other := range c.packages {
		if other == pkg {
			continue
		}
		for _, req := range other.Requires {
			if pkg.Satisfies(req) {
				out = append(out, other)
				break
			}
		}
	}
	return out
}

// ConflictsOf returns the packages that conflict with pkg in either direction.
func (c *Cache) ConflictsOf(pkg *Package) []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Package
	for _, other := range c.packages {
		if pkg.ConflictsWith(other) {
			out = append(out, other)
		}
	}
	return out
}

// UpgradersOf returns the packages that would replace pkg, best upgrade first.
func (c *Cache) UpgradersOf(pkg *Package) []*Package {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Package
	for _, other := range c.packages {
		if other.Upgrade(pkg) {
			out = append(out, other)
		}
	}
	SortUpgrades(out)
	return out
}

func sortPackages(pkgs []*Package, cmp func(a, b *Package) int) {
	slices.SortStableFunc(pkgs, cmp)
}
