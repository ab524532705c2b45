package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/openfroyo/epm/pkg/config"
	"github.com/openfroyo/epm/pkg/engine"
)

// fileChannel exposes a single local package file.
type fileChannel struct {
	cfg     config.ChannelConfig
	path    string
	inspect func(string) (engine.PackageSpec, error)

	mu   sync.Mutex
	spec *engine.PackageSpec
	size int64
}

func newFileChannel(cfg config.ChannelConfig, env Env) (Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !isLocal(cfg.URL) {
		return nil, fmt.Errorf("file channels need a local path, got %s", cfg.URL)
	}
	abs, err := filepath.Abs(localPath(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", cfg.URL, err)
	}
	return &fileChannel{cfg: cfg, path: abs, inspect: env.Inspect}, nil
}

// NewFileChannel creates a transient channel for a package file given on the
// command line.
func NewFileChannel(name, path string, env Env) (Channel, error) {
	return newFileChannel(config.ChannelConfig{Name: name, Type: config.ChannelFile, URL: path}, env)
}

func (c *fileChannel) Name() string          { return c.cfg.Name }
func (c *fileChannel) Type() string          { return config.ChannelFile }
func (c *fileChannel) Priority() int         { return c.cfg.Priority }
func (c *fileChannel) Loader() engine.Loader { return c }
func (c *fileChannel) Installed() bool       { return false }

func (c *fileChannel) Refresh(ctx context.Context, fetcher engine.Fetcher) error {
	return nil
}

// Path returns the package file.
func (c *fileChannel) Path() string {
	return c.path
}

func (c *fileChannel) Packages(ctx context.Context) ([]engine.PackageSpec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spec == nil {
		info, err := os.Stat(c.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read package file: %w", err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("%s is not a regular file", c.path)
		}
		spec, err := c.inspect(c.path)
		if err != nil {
			return nil, err
		}
		c.spec = &spec
		c.size = info.Size()
	}
	return []engine.PackageSpec{*c.spec}, nil
}

func (c *fileChannel) Info(pkg *engine.Package) (engine.PackageInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.spec == nil || c.spec.Key() != pkg.Key() {
		return engine.PackageInfo{}, fmt.Errorf("package %s is not in channel %s", pkg, c.cfg.Name)
	}
	return engine.PackageInfo{URL: c.path, Size: c.size}, nil
}
