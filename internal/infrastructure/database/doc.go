// Package database provides the single-file SQLite store behind the Bumper
// registry.
//
// This package manages:
//   - Opening the store with foreign keys on and one pinned connection
//   - An exclusive lock file so only one process writes the store
//   - Integrity verification (PRAGMA quick_check) before first use
//   - Embedded schema migrations, one transaction each
//
// Every failure that leaves the store unusable wraps ErrStorage. The
// orchestrator treats it as fatal before any listener starts.
//
// Security Considerations:
//   - All queries use parameterised statements
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.DatabasePath()})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
