package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/epm/pkg/engine"
	"github.com/openfroyo/epm/pkg/telemetry"
)

// Config holds fetch service configuration.
type Config struct {
	// CacheDir is the root of the artifact cache.
	CacheDir string

	// Concurrency bounds the number of parallel downloads (default: 4).
	Concurrency int

	// Timeout bounds a single download, 0 disables it.
	Timeout time.Duration

	// SFTP configures the sftp:// scheme.
	SFTP SFTPConfig
}

// Transport downloads one remote URL into w. Report is called with the bytes
// written so far and the expected total, or -1 when the total is unknown.
type Transport interface {
	Fetch(ctx context.Context, u *url.URL, w io.Writer, report func(written, total int64)) (int64, error)
}

// Locker serializes writers of the cache directory. It is satisfied by
// *pathlock.PathLocks.
type Locker interface {
	Lock(path string, exclusive, block bool) (bool, error)
	Unlock(path string) bool
}

// Service implements engine.Fetcher.
type Service struct {
	config     Config
	transports map[string]Transport
	locker     Locker
	progress   engine.Progress
	tel        *telemetry.Telemetry
	logger     zerolog.Logger
	closers    []io.Closer
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithLocker locks the label directory exclusively for the duration of Get.
func WithLocker(locker Locker) Option {
	return func(s *Service) {
		s.locker = locker
	}
}

// WithProgress reports per-download progress.
func WithProgress(progress engine.Progress) Option {
	return func(s *Service) {
		s.progress = progress
	}
}

// WithTelemetry records fetch metrics and publishes failed downloads.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(s *Service) {
		s.tel = tel
	}
}

// WithTransport registers or replaces the transport of a URL scheme.
func WithTransport(scheme string, t Transport) Option {
	return func(s *Service) {
		s.transports[scheme] = t
	}
}

// New creates a fetch service with the http, https and sftp transports.
func New(cfg Config, opts ...Option) (*Service, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	httpTransport := NewHTTPTransport()
	sftpTransport := NewSFTPTransport(cfg.SFTP)

	s := &Service{
		config: cfg,
		transports: map[string]Transport{
			"http":  httpTransport,
			"https": httpTransport,
			"sftp":  sftpTransport,
		},
		progress: engine.NopProgress{},
		logger:   zerolog.Nop(),
		closers:  []io.Closer{sftpTransport},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases pooled connections.
func (s *Service) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get fetches urls into the cache area named by label. The returned error is
// reserved for failures that prevent fetching at all; per-URL failures are
// reported in failed.
func (s *Service) Get(ctx context.Context, urls []string, label string) (map[string]string, map[string]string, error) {
	succeeded := make(map[string]string)
	failed := make(map[string]string)
	if len(urls) == 0 {
		return succeeded, failed, nil
	}

	dir := filepath.Join(s.config.CacheDir, label)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	if s.locker != nil {
		timer := telemetry.NewTimer()
		ok, err := s.locker.Lock(dir, true, true)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return nil, nil, fmt.Errorf("cache directory %s is locked", dir)
		}
		defer s.locker.Unlock(dir)
		if s.tel != nil {
			s.tel.Metrics.RecordLockWait(true, timer.Duration())
		}
	}

	unique := dedupe(urls)
	targets := make(map[string]string, len(unique))
	owners := make(map[string]string, len(unique))
	for _, raw := range unique {
		u, err := url.Parse(raw)
		if err != nil {
			failed[raw] = fmt.Sprintf("invalid url: %v", err)
			continue
		}
		if isLocal(u) {
			continue
		}
		name := path.Base(u.Path)
		if name == "." || name == "/" || name == "" {
			failed[raw] = "url has no file name"
			continue
		}
		if other, ok := owners[name]; ok {
			failed[raw] = fmt.Sprintf("file name %s is also fetched from %s", name, other)
			continue
		}
		owners[name] = raw
		targets[raw] = filepath.Join(dir, name)
	}

	s.logger.Debug().Str("label", label).Int("urls", len(unique)).Msg("Fetching artifacts")
	s.progress.SetTopic("Fetching packages...")

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.config.Concurrency)

	for _, raw := range unique {
		if _, bad := failed[raw]; bad {
			continue
		}
		g.Go(func() error {
			local, err := s.fetchOne(ctx, raw, targets[raw])

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[raw] = err.Error()
				s.logger.Warn().Err(err).Str("url", raw).Msg("Fetch failed")
				if s.tel != nil {
					_ = s.tel.Events.PublishFetchFailed(raw, err.Error())
				}
				return nil
			}
			succeeded[raw] = local
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("fetch cancelled: %w", err)
	}

	return succeeded, failed, nil
}

func (s *Service) fetchOne(ctx context.Context, raw, target string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}

	if isLocal(u) {
		return localPath(u)
	}

	t, ok := s.transports[u.Scheme]
	if !ok {
		return "", fmt.Errorf("unsupported url scheme: %q", u.Scheme)
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	if s.tel != nil {
		var span trace.Span
		ctx, span = s.tel.Tracer.StartFetchSpan(ctx, raw)
		defer span.End()
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".part-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := t.Fetch(ctx, u, tmp, func(written, total int64) {
		s.progress.SetSub(raw, written, total)
	})
	closeErr := tmp.Close()
	s.record(u.Scheme, err == nil && closeErr == nil, n)
	if err != nil {
		telemetry.RecordError(trace.SpanFromContext(ctx), err)
		return "", err
	}
	if closeErr != nil {
		return "", fmt.Errorf("failed to write %s: %w", target, closeErr)
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move download into place: %w", err)
	}

	s.logger.Debug().Str("url", raw).Str("path", target).Int64("bytes", n).Msg("Fetched artifact")
	return target, nil
}

func (s *Service) record(scheme string, ok bool, n int64) {
	if s.tel != nil {
		s.tel.Metrics.RecordFetch(scheme, ok, n)
	}
}

func isLocal(u *url.URL) bool {
	return u.Scheme == "" || u.Scheme == "file"
}

func localPath(u *url.URL) (string, error) {
	p := u.Path
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file", p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	}
	sort.Strings(out)
	return out
}
