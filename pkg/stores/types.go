package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a looked up record does not exist.
var ErrNotFound = errors.New("not found")

// TransactionStatus represents the status of a recorded transaction
type TransactionStatus string

const (
	TransactionStatusRunning   TransactionStatus = "running"
	TransactionStatusSucceeded TransactionStatus = "succeeded"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusAborted   TransactionStatus = "aborted"
)

// Done reports whether the status is terminal.
func (s TransactionStatus) Done() bool {
	return s == TransactionStatusSucceeded || s == TransactionStatusFailed || s == TransactionStatusAborted
}

// PackageRef identifies one installed package.
type PackageRef struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Arch    string `json:"arch"`
	Backend string `json:"backend"`
}

// Key returns the identity used by package_files.
func (r PackageRef) Key() string {
	return r.Name + "-" + r.Version + "." + r.Arch + "@" + r.Backend
}

// InstalledPackage is a package recorded as present on the system.
// Capabilities are kept in their string form, e.g. "libssl >= 3.0".
type InstalledPackage struct {
	PackageRef
	Summary       string    `json:"summary,omitempty"`
	Requires      []string  `json:"requires,omitempty"`
	Provides      []string  `json:"provides,omitempty"`
	Conflicts     []string  `json:"conflicts,omitempty"`
	Upgrades      []string  `json:"upgrades,omitempty"`
	Channel       string    `json:"channel,omitempty"`
	TransactionID *string   `json:"transaction_id,omitempty"`
	InstalledAt   time.Time `json:"installed_at"`
}

// PackageFile is a filesystem entry owned by an archive package.
type PackageFile struct {
	Path  string `json:"path"`
	Mode  uint32 `json:"mode"`
	IsDir bool   `json:"is_dir"`
}

// Transaction is one entry of the transaction history.
type Transaction struct {
	ID          string            `json:"id"`
	Policy      string            `json:"policy"`
	Status      TransactionStatus `json:"status"`
	Intents     []string          `json:"intents"`
	Summary     map[string]int    `json:"summary"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       *string           `json:"error,omitempty"`
}

// Change is one package change of a recorded transaction.
type Change struct {
	TransactionID string `json:"transaction_id"`
	PackageRef
	Action string `json:"action"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Installed packages
	ListInstalled(ctx context.Context) ([]*InstalledPackage, error)
	GetInstalled(ctx context.Context, name string) ([]*InstalledPackage, error)
	ApplyChanges(ctx context.Context, transactionID string, installs []*InstalledPackage, removals []PackageRef) error

	// Files owned by packages
	SetPackageFiles(ctx context.Context, pkg PackageRef, files []PackageFile) error
	PackageFiles(ctx context.Context, pkg PackageRef) ([]PackageFile, error)
	FileOwners(ctx context.Context, path string) ([]string, error)
	DeletePackageFiles(ctx context.Context, pkg PackageRef) error

	// Transaction history
	CreateTransaction(ctx context.Context, tx *Transaction, changes []Change) error
	UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus, err *string) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, limit, offset int) ([]*Transaction, error)
	ListChanges(ctx context.Context, transactionID string) ([]Change, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
