// Package pathlock provides process-level advisory locks on filesystem paths.
//
// A PathLocks instance keeps one descriptor per locked path. Locking a path
// that is already held reuses that descriptor, so a shared lock can be
// upgraded to an exclusive one and back. Descriptors are opened close-on-exec
// so that backends spawning native installers do not leak locks into them.
package pathlock

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/openfroyo/epm/pkg/engine"
)

// SentinelName is the file that stands in for a directory in sentinel mode.
const SentinelName = ".lck"

// PathLocks is a table of held path locks.
//
// The table mutex only guards the map and descriptor fields. Operations on
// one path are serialized by that path's own mutex, so a blocking lock on
// one path never delays unlocking another.
type PathLocks struct {
	mu       sync.Mutex
	locks    map[string]*pathLock
	force    bool
	sentinel bool
	logger   zerolog.Logger
}

type pathLock struct {
	mu sync.Mutex
	f  *os.File
}

// Option configures a PathLocks.
type Option func(*PathLocks)

// WithSentinel locks directories through a SentinelName file inside them.
func WithSentinel(enabled bool) Option {
	return func(l *PathLocks) {
		l.sentinel = enabled
	}
}

// WithLogger sets the logger used to report failures ignored in force mode.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *PathLocks) {
		l.logger = logger
	}
}

// New creates an empty lock table. In force mode every lock and unlock
// request reports success even when the underlying operation fails.
func New(force bool, opts ...Option) *PathLocks {
	l := &PathLocks{
		locks:    make(map[string]*pathLock),
		force:    force,
		sentinel: defaultSentinel(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// directory locks are unreliable on Solaris mount points.
func defaultSentinel() bool {
	return runtime.GOOS == "solaris" || runtime.GOOS == "illumos"
}

// Force reports whether force mode is active.
func (l *PathLocks) Force() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.force
}

// SetForce switches force mode.
func (l *PathLocks) SetForce(force bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.force = force
}

// Lock acquires an exclusive or shared lock on path.
//
// With block false, contention is reported as (false, nil), or (true, nil)
// in force mode. With block true, the call waits; a failure is returned as a
// lock-class engine error unless force mode is active.
func (l *PathLocks) Lock(path string, exclusive, block bool) (bool, error) {
	p := l.entry(path, true)
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.f
	held := f != nil
	if !held {
		var err error
		f, err = l.open(path, exclusive)
		if err != nil {
			return l.failed(path, err)
		}
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if !block {
		how |= unix.LOCK_NB
	}

	if err := flock(f, how); err != nil {
		if !held {
			f.Close()
		}
		if !block && errors.Is(err, unix.EWOULDBLOCK) {
			l.logger.Debug().Str("path", path).Bool("exclusive", exclusive).Msg("Lock busy")
			return l.Force(), nil
		}
		return l.failed(path, err)
	}

	l.setFile(p, f)
	return true, nil
}

// entry returns the record for path, creating it when asked to.
func (l *PathLocks) entry(path string, create bool) *pathLock {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.locks[path]
	if !ok && create {
		p = &pathLock{}
		l.locks[path] = p
	}
	return p
}

func (l *PathLocks) setFile(p *pathLock, f *os.File) {
	l.mu.Lock()
	p.f = f
	l.mu.Unlock()
}

func (l *PathLocks) failed(path string, err error) (bool, error) {
	if l.Force() {
		l.logger.Warn().Err(err).Str("path", path).Msg("Ignoring lock failure in force mode")
		return true, nil
	}
	return false, engine.NewLockError(path, err)
}

// open returns a close-on-exec descriptor for path, going through the
// sentinel file for directories when sentinel mode is on.
func (l *PathLocks) open(path string, exclusive bool) (*os.File, error) {
	target := path
	flags := unix.O_RDONLY
	if l.sentinel && isDir(path) {
		target = filepath.Join(path, SentinelName)
		flags = unix.O_RDWR | unix.O_CREAT
	} else if l.sentinel && exclusive {
		flags = unix.O_RDWR
	}

	fd, err := unix.Open(target, flags|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: target, Err: err}
	}
	return os.NewFile(uintptr(fd), target), nil
}

func isDir(path string) bool {
	if strings.HasSuffix(path, "/") {
		return true
	}
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func flock(f *os.File, how int) error {
	for {
		err := unix.Flock(int(f.Fd()), how)
		if err != unix.EINTR {
			return err
		}
	}
}

// Unlock releases path. A path that is not held returns Force().
func (l *PathLocks) Unlock(path string) bool {
	p := l.entry(path, false)
	if p == nil {
		return l.Force()
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.f == nil {
		return l.Force()
	}
	l.release(path, p.f)
	l.setFile(p, nil)
	return true
}

// UnlockAll releases every held lock and empties the table.
func (l *PathLocks) UnlockAll() {
	l.mu.Lock()
	entries := l.locks
	l.locks = make(map[string]*pathLock)
	l.mu.Unlock()

	for path, p := range entries {
		p.mu.Lock()
		if p.f != nil {
			l.release(path, p.f)
			l.setFile(p, nil)
		}
		p.mu.Unlock()
	}
}

func (l *PathLocks) release(path string, f *os.File) {
	if err := flock(f, unix.LOCK_UN); err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("Failed to release lock")
	}
	if err := f.Close(); err != nil {
		l.logger.Warn().Err(err).Str("path", path).Msg("Failed to close lock descriptor")
	}
}

// Held returns the held paths in sorted order.
func (l *PathLocks) Held() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths := make([]string, 0, len(l.locks))
	for path, p := range l.locks {
		if p.f != nil {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths
}

// Close releases every held lock.
func (l *PathLocks) Close() error {
	l.UnlockAll()
	return nil
}
