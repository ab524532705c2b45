package channels

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/epm/pkg/config"
	"github.com/openfroyo/epm/pkg/engine"
)

// Index is the document served by a yaml-index channel.
type Index struct {
	Packages []IndexEntry `yaml:"packages"`
}

// IndexEntry is one package of an index. URL may be relative to the index.
type IndexEntry struct {
	engine.PackageSpec `yaml:",inline"`

	URL    string `yaml:"url"`
	Size   int64  `yaml:"size,omitempty"`
	SHA256 string `yaml:"sha256,omitempty"`
}

// ParseIndex decodes an index document. Unknown fields are rejected.
func ParseIndex(r io.Reader) (*Index, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var idx Index
	if err := dec.Decode(&idx); err != nil {
		if errors.Is(err, io.EOF) {
			return &idx, nil
		}
		return nil, fmt.Errorf("failed to parse index: %w", err)
	}

	for i, entry := range idx.Packages {
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, err)
		}
		if entry.URL == "" {
			return nil, fmt.Errorf("index entry %d: package %s has no url", i, entry.Name)
		}
	}
	return &idx, nil
}

// indexChannel reads a yaml-index channel.
type indexChannel struct {
	cfg      config.ChannelConfig
	cacheDir string
	logger   zerolog.Logger

	mu    sync.RWMutex
	infos map[string]engine.PackageInfo
}

func newIndexChannel(cfg config.ChannelConfig, env Env) (Channel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if !isLocal(cfg.URL) && env.CacheDir == "" {
		return nil, fmt.Errorf("a cache directory is required for remote indexes")
	}
	return &indexChannel{
		cfg:      cfg,
		cacheDir: env.CacheDir,
		logger:   env.Logger.With().Str("channel", cfg.Name).Logger(),
		infos:    make(map[string]engine.PackageInfo),
	}, nil
}

func (c *indexChannel) Name() string          { return c.cfg.Name }
func (c *indexChannel) Type() string          { return config.ChannelYAMLIndex }
func (c *indexChannel) Priority() int         { return c.cfg.Priority }
func (c *indexChannel) Loader() engine.Loader { return c }
func (c *indexChannel) Installed() bool       { return false }

// label is the fetch area holding the cached index.
func (c *indexChannel) label() string {
	return path.Join("channels", c.cfg.Name)
}

// indexPath returns where the index is read from.
func (c *indexChannel) indexPath() string {
	if isLocal(c.cfg.URL) {
		return localPath(c.cfg.URL)
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return ""
	}
	return filepath.Join(c.cacheDir, filepath.FromSlash(c.label()), path.Base(u.Path))
}

func (c *indexChannel) Refresh(ctx context.Context, fetcher engine.Fetcher) error {
	if isLocal(c.cfg.URL) {
		return nil
	}

	succeeded, failed, err := fetcher.Get(ctx, []string{c.cfg.URL}, c.label())
	if err != nil {
		return fmt.Errorf("failed to refresh channel %s: %w", c.cfg.Name, err)
	}
	if reason, ok := failed[c.cfg.URL]; ok {
		return fmt.Errorf("failed to refresh channel %s: %s", c.cfg.Name, reason)
	}

	c.logger.Debug().Str("path", succeeded[c.cfg.URL]).Msg("Index refreshed")
	return nil
}

func (c *indexChannel) Packages(ctx context.Context) ([]engine.PackageSpec, error) {
	p := c.indexPath()
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !isLocal(c.cfg.URL) {
			return nil, fmt.Errorf("channel %s has no cached index, run 'epm update'", c.cfg.Name)
		}
		return nil, fmt.Errorf("failed to read index: %w", err)
	}

	idx, err := ParseIndex(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", c.cfg.Name, err)
	}

	specs := make([]engine.PackageSpec, 0, len(idx.Packages))
	infos := make(map[string]engine.PackageInfo, len(idx.Packages))
	for _, entry := range idx.Packages {
		resolved, err := c.resolve(entry.URL)
		if err != nil {
			return nil, fmt.Errorf("channel %s: package %s: %w", c.cfg.Name, entry.Name, err)
		}
		specs = append(specs, entry.PackageSpec)
		infos[entry.Key()] = engine.PackageInfo{URL: resolved, Size: entry.Size, SHA256: entry.SHA256}
	}
	sort.SliceStable(specs, func(i, j int) bool { return specs[i].Key() < specs[j].Key() })

	c.mu.Lock()
	c.infos = infos
	c.mu.Unlock()

	c.logger.Debug().Int("packages", len(specs)).Msg("Index loaded")
	return specs, nil
}

func (c *indexChannel) Info(pkg *engine.Package) (engine.PackageInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.infos[pkg.Key()]
	if !ok {
		return engine.PackageInfo{}, fmt.Errorf("package %s is not in channel %s", pkg, c.cfg.Name)
	}
	return info, nil
}

// resolve makes an entry URL absolute relative to the index location.
func (c *indexChannel) resolve(ref string) (string, error) {
	if isLocal(c.cfg.URL) {
		if u, err := url.Parse(ref); err == nil && u.Scheme != "" && u.Scheme != "file" {
			return ref, nil
		}
		p := localPath(ref)
		if !filepath.IsAbs(p) {
			p = filepath.Join(filepath.Dir(localPath(c.cfg.URL)), p)
		}
		return p, nil
	}

	base, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid channel url: %w", err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

// isLocal reports whether raw names a local path rather than a remote URL.
func isLocal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return filepath.IsAbs(raw)
	}
	return u.Scheme == "" || u.Scheme == "file"
}

func localPath(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme == "file" {
		return filepath.FromSlash(u.Path)
	}
	return raw
}
