package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/nerrad567/bumper-core/migrations"
)

// Database configuration constants.
const (
	// dirPermissions is the permission mode for the database directory.
	dirPermissions = 0750

	// filePermissions is the permission mode for the database file.
	filePermissions = 0600

	// msPerSecond converts seconds to milliseconds.
	msPerSecond = 1000

	// connectionTimeout bounds the connectivity and integrity checks in Open.
	connectionTimeout = 5 * time.Second

	// connMaxIdleTime is how long idle connections are kept open.
	connMaxIdleTime = 30 * time.Minute

	// lockSuffix is appended to the store path to name its lock file.
	lockSuffix = ".lock"
)

var (
	// ErrStorage is wrapped by every error that leaves the store unusable:
	// unreadable or corrupt file, failed migration, lock held elsewhere.
	ErrStorage = errors.New("storage error")

	// ErrLocked means another process already owns the store file.
	ErrLocked = errors.New("store is locked by another process")
)

// DB wraps a sql.DB connection to the single-file store.
// It owns the store's lock file for as long as it is open.
type DB struct {
	*sql.DB
	path       string
	lock       *flock.Flock
	migrations fs.FS
}

// Config contains database configuration options.
// These map to the database section of the config file.
type Config struct {
	// Path is the filesystem path to the SQLite database file.
	// The directory will be created if it doesn't exist.
	Path string

	// WALMode enables Write-Ahead Logging.
	WALMode bool

	// BusyTimeout is the maximum time to wait for a database lock (seconds).
	BusyTimeout int

	// Migrations overrides the embedded migration set. Nil uses migrations.FS.
	Migrations fs.FS
}

// Open opens the store file, creating it if needed.
//
// It performs the following setup:
//  1. Creates the database directory if it doesn't exist
//  2. Takes an exclusive lock on <path>.lock (fails if another process has it)
//  3. Opens the database with foreign keys on and a single pinned connection
//  4. Verifies the file with PRAGMA quick_check
//  5. Sets file permissions (0600)
//
// Parameters:
//   - ctx: Context for timeout/cancellation of the checks
//   - cfg: Database configuration
//
// Returns:
//   - *DB: Connected database wrapper
//   - error: wrapping ErrStorage if the store cannot be used
func Open(ctx context.Context, cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty database path", ErrStorage)
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, fmt.Errorf("%w: creating database directory: %w", ErrStorage, err)
	}

	lock := flock.New(cfg.Path + lockSuffix)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: locking %s: %w", ErrStorage, lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %w: %s", ErrStorage, ErrLocked, cfg.Path)
	}

	db, err := openLocked(ctx, cfg)
	if err != nil {
		_ = lock.Unlock() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}
	db.lock = lock

	return db, nil
}

// openLocked opens and verifies the SQLite file once the lock is held.
func openLocked(ctx context.Context, cfg Config) (*DB, error) {
	// See: https://github.com/mattn/go-sqlite3#connection-string
	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path,
		cfg.BusyTimeout*msPerSecond,
	)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	sqlDB, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("%w: opening database: %w", ErrStorage, err)
	}

	// One connection: every statement and transaction is serialised, which
	// is what makes registry operations individually atomic.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	sqlDB.SetConnMaxIdleTime(connMaxIdleTime)

	migrationsFS := cfg.Migrations
	if migrationsFS == nil {
		migrationsFS = migrations.FS
	}

	db := &DB{
		DB:         sqlDB,
		path:       cfg.Path,
		migrations: migrationsFS,
	}

	checkCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()

	if err := db.PingContext(checkCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: verifying database connection: %w", ErrStorage, err)
	}

	if err := db.integrityCheck(checkCtx); err != nil {
		sqlDB.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, err
	}

	_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // File may not exist until first write

	return db, nil
}

// integrityCheck runs PRAGMA quick_check and fails unless it reports "ok".
func (db *DB) integrityCheck(ctx context.Context) error {
	var result string
	if err := db.DB.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return fmt.Errorf("%w: integrity check: %w", ErrStorage, err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: integrity check failed: %s", ErrStorage, result)
	}
	return nil
}

// Close closes the database connection and releases the store lock.
// Safe to call more than once.
func (db *DB) Close() error {
	var closeErr error
	if db.DB != nil {
		if err := db.DB.Close(); err != nil {
			closeErr = fmt.Errorf("closing database: %w", err)
		}
		db.DB = nil
	}
	if db.lock != nil {
		if err := db.lock.Unlock(); err != nil && closeErr == nil {
			closeErr = fmt.Errorf("releasing store lock: %w", err)
		}
		db.lock = nil
	}
	return closeErr
}

// Path returns the filesystem path to the database file.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck verifies the database is accessible and functioning.
func (db *DB) HealthCheck(ctx context.Context) error {
	var result int
	err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
	if err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Stats returns database connection pool statistics.
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// ExecContext executes a statement that doesn't return rows.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - query: SQL statement with ? placeholders
//   - args: Arguments for placeholders
//
// Returns:
//   - sql.Result: Contains LastInsertId and RowsAffected
//   - error: If execution fails
func (db *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	result, err := db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("executing query: %w", err)
	}
	return result, nil
}

// QueryRowContext executes a query that returns at most one row.
func (db *DB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return db.DB.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a new transaction with the given options.
//
// Example:
//
//	tx, err := db.BeginTx(ctx, nil)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback() // No-op if committed
//
//	// ... execute queries on tx ...
//
//	return tx.Commit()
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return tx, nil
}
