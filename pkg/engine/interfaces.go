package engine

import (
	"context"
)

// Loader produces packages from one source: a channel index, a local package
// file or the installed package database.
type Loader interface {
	// Name identifies the loader in logs and diagnostics.
	Name() string

	// Installed reports whether the packages of this loader are already on the system.
	Installed() bool

	// Packages returns the package metadata known to the loader.
	Packages(ctx context.Context) ([]PackageSpec, error)

	// Info returns the download information of a package discovered by this loader.
	Info(pkg *Package) (PackageInfo, error)
}

// PackageInfo is the per-loader download information of a package.
type PackageInfo struct {
	// URL is where the artifact can be fetched from.
	URL string `json:"url"`

	// Size is the artifact size in bytes, zero if unknown.
	Size int64 `json:"size,omitempty"`

	// SHA256 is the hex-encoded artifact digest, empty if unknown.
	SHA256 string `json:"sha256,omitempty"`
}

// Fetcher retrieves artifacts. Get returns only once every URL has either
// succeeded or failed. An empty url list is trivially successful.
type Fetcher interface {
	// Get fetches urls into the area named by label. Succeeded maps URL to
	// local path and failed maps URL to a reason. The error is reserved for
	// failures that prevent fetching at all.
	Get(ctx context.Context, urls []string, label string) (succeeded, failed map[string]string, err error)
}

// Backend installs and removes the packages of one packaging ecosystem.
// Implementations are constructed with no arguments by a BackendFactory.
type Backend interface {
	// SetProgress hands the shared progress reporter to the backend.
	SetProgress(p Progress)

	// Commit applies the partition. Artifacts holds a local path for every
	// install-like entry.
	Commit(ctx context.Context, ops map[*Package]Action, artifacts map[*Package]string) error
}

// BackendFactory constructs a backend instance.
type BackendFactory func() Backend

// Progress receives incremental progress from the committer, the fetcher and backends.
type Progress interface {
	// Reset clears all progress state.
	Reset()

	// SetTopic names the current phase.
	SetTopic(topic string)

	// SetTotal sets the number of top-level steps.
	SetTotal(total int)

	// Add advances the top-level step counter.
	Add(n int)

	// SetSub reports progress of a sub-task such as a single download.
	SetSub(id string, current, total int64)
}

// NopProgress discards all progress.
type NopProgress struct{}

func (NopProgress) Reset() {}
func (NopProgress) SetTopic(string) {}
func (NopProgress) SetTotal(int) {}
func (NopProgress) Add(int) {}
func (NopProgress) SetSub(string, int64, int64) {}
