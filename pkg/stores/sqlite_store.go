package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{config: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.config.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// ListInstalled returns every installed package ordered by name and version.
func (s *SQLiteStore) ListInstalled(ctx context.Context) ([]*InstalledPackage, error) {
	return s.queryInstalled(ctx, `
		SELECT name, version, arch, backend, summary, requires, provides, conflicts, upgrades,
		       channel, transaction_id, installed_at
		FROM installed_packages
		ORDER BY name, version, arch, backend
	`)
}

// GetInstalled returns the installed copies of a package name.
func (s *SQLiteStore) GetInstalled(ctx context.Context, name string) ([]*InstalledPackage, error) {
	return s.queryInstalled(ctx, `
		SELECT name, version, arch, backend, summary, requires, provides, conflicts, upgrades,
		       channel, transaction_id, installed_at
		FROM installed_packages
		WHERE name = ?
		ORDER BY version, arch, backend
	`, name)
}

func (s *SQLiteStore) queryInstalled(ctx context.Context, query string, args ...any) ([]*InstalledPackage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}
	defer rows.Close()

	var pkgs []*InstalledPackage
	for rows.Next() {
		pkg := &InstalledPackage{}
		var requires, provides, conflicts, upgrades string
		if err := rows.Scan(
			&pkg.Name,
			&pkg.Version,
			&pkg.Arch,
			&pkg.Backend,
			&pkg.Summary,
			&requires,
			&provides,
			&conflicts,
			&upgrades,
			&pkg.Channel,
			&pkg.TransactionID,
			&pkg.InstalledAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan installed package: %w", err)
		}
		for _, col := range []struct {
			raw string
			dst *[]string
		}{
			{requires, &pkg.Requires},
			{provides, &pkg.Provides},
			{conflicts, &pkg.Conflicts},
			{upgrades, &pkg.Upgrades},
		} {
			if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
				return nil, fmt.Errorf("failed to decode capabilities of %s: %w", pkg.Name, err)
			}
		}
		pkgs = append(pkgs, pkg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating installed packages: %w", err)
	}

	return pkgs, nil
}

// ApplyChanges records the outcome of a committed backend partition in a
// single database transaction: removals are deleted together with their file
// lists, installs are inserted or replaced.
func (s *SQLiteStore) ApplyChanges(ctx context.Context, transactionID string, installs []*InstalledPackage, removals []PackageRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ref := range removals {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM installed_packages
			WHERE name = ? AND version = ? AND arch = ? AND backend = ?
		`, ref.Name, ref.Version, ref.Arch, ref.Backend); err != nil {
			return fmt.Errorf("failed to remove %s: %w", ref.Key(), err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM package_files WHERE package_key = ?`, ref.Key()); err != nil {
			return fmt.Errorf("failed to remove files of %s: %w", ref.Key(), err)
		}
	}

	var txID *string
	if transactionID != "" {
		txID = &transactionID
	}

	for _, pkg := range installs {
		encoded := make([]string, 0, 4)
		for _, caps := range [][]string{pkg.Requires, pkg.Provides, pkg.Conflicts, pkg.Upgrades} {
			if caps == nil {
				caps = []string{}
			}
			data, err := json.Marshal(caps)
			if err != nil {
				return fmt.Errorf("failed to encode capabilities of %s: %w", pkg.Name, err)
			}
			encoded = append(encoded, string(data))
		}

		installedAt := pkg.InstalledAt
		if installedAt.IsZero() {
			installedAt = time.Now().UTC()
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO installed_packages
				(name, version, arch, backend, summary, requires, provides, conflicts, upgrades,
				 channel, transaction_id, installed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			pkg.Name,
			pkg.Version,
			pkg.Arch,
			pkg.Backend,
			pkg.Summary,
			encoded[0],
			encoded[1],
			encoded[2],
			encoded[3],
			pkg.Channel,
			txID,
			installedAt,
		); err != nil {
			return fmt.Errorf("failed to record %s: %w", pkg.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit installed packages: %w", err)
	}
	return nil
}

// SetPackageFiles replaces the file list owned by a package.
func (s *SQLiteStore) SetPackageFiles(ctx context.Context, pkg PackageRef, files []PackageFile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	key := pkg.Key()
	if _, err := tx.ExecContext(ctx, `DELETE FROM package_files WHERE package_key = ?`, key); err != nil {
		return fmt.Errorf("failed to clear files of %s: %w", key, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO package_files (package_key, path, mode, is_dir)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range files {
		if _, err := stmt.ExecContext(ctx, key, f.Path, f.Mode, f.IsDir); err != nil {
			return fmt.Errorf("failed to record file %s: %w", f.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit files of %s: %w", key, err)
	}
	return nil
}

// PackageFiles returns the files owned by a package, deepest paths first so
// that removal empties directories before deleting them.
func (s *SQLiteStore) PackageFiles(ctx context.Context, pkg PackageRef) ([]PackageFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, mode, is_dir
		FROM package_files
		WHERE package_key = ?
		ORDER BY path DESC
	`, pkg.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	defer rows.Close()

	var files []PackageFile
	for rows.Next() {
		var f PackageFile
		if err := rows.Scan(&f.Path, &f.Mode, &f.IsDir); err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return files, nil
}

// FileOwners returns the keys of every package owning path.
func (s *SQLiteStore) FileOwners(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT package_key FROM package_files WHERE path = ? ORDER BY package_key
	`, path)
	if err != nil {
		return nil, fmt.Errorf("failed to query file owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan file owner: %w", err)
		}
		owners = append(owners, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file owners: %w", err)
	}

	return owners, nil
}

// DeletePackageFiles forgets the file list of a package.
func (s *SQLiteStore) DeletePackageFiles(ctx context.Context, pkg PackageRef) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM package_files WHERE package_key = ?`, pkg.Key()); err != nil {
		return fmt.Errorf("failed to delete files of %s: %w", pkg.Key(), err)
	}
	return nil
}

// CreateTransaction records a new transaction with its planned changes.
func (s *SQLiteStore) CreateTransaction(ctx context.Context, t *Transaction, changes []Change) error {
	intents, err := json.Marshal(nonNil(t.Intents))
	if err != nil {
		return fmt.Errorf("failed to encode intents: %w", err)
	}
	summary := t.Summary
	if summary == nil {
		summary = map[string]int{}
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, policy, status, intents, summary, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.Policy,
		t.Status,
		string(intents),
		string(summaryJSON),
		t.StartedAt,
		t.CompletedAt,
		t.Error,
	); err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	for _, c := range changes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO transaction_changes (transaction_id, name, version, arch, backend, action)
			VALUES (?, ?, ?, ?, ?, ?)
		`, t.ID, c.Name, c.Version, c.Arch, c.Backend, c.Action); err != nil {
			return fmt.Errorf("failed to record change %s: %w", c.Key(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction record: %w", err)
	}
	return nil
}

// UpdateTransactionStatus updates the status of a transaction
func (s *SQLiteStore) UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus, errMsg *string) error {
	var completedAt *time.Time
	if status.Done() {
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE transactions
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`, status, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetTransaction retrieves a transaction by ID
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, policy, status, intents, summary, started_at, completed_at, error
		FROM transactions
		WHERE id = ?
	`, id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return t, nil
}

// ListTransactions lists transactions, most recent first
func (s *SQLiteStore) ListTransactions(ctx context.Context, limit, offset int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, policy, status, intents, summary, started_at, completed_at, error
		FROM transactions
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return txs, nil
}

// ListChanges returns the recorded changes of a transaction.
func (s *SQLiteStore) ListChanges(ctx context.Context, transactionID string) ([]Change, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, name, version, arch, backend, action
		FROM transaction_changes
		WHERE transaction_id = ?
		ORDER BY id
	`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var changes []Change
	for rows.Next() {
		var c Change
		if err := rows.Scan(&c.TransactionID, &c.Name, &c.Version, &c.Arch, &c.Backend, &c.Action); err != nil {
			return nil, fmt.Errorf("failed to scan change: %w", err)
		}
		changes = append(changes, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return changes, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	var intents, summary string
	if err := row.Scan(
		&t.ID,
		&t.Policy,
		&t.Status,
		&intents,
		&summary,
		&t.StartedAt,
		&t.CompletedAt,
		&t.Error,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(intents), &t.Intents); err != nil {
		return nil, fmt.Errorf("failed to decode intents: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &t.Summary); err != nil {
		return nil, fmt.Errorf("failed to decode summary: %w", err)
	}
	return t, nil
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}
