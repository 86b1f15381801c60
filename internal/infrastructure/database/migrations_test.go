package database

import (
	"embed"
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"testing/fstest"
)

//go:embed testdata/*.sql
var testMigrationsFS embed.FS

// openWithMigrations opens a temporary database using the given migration set.
func openWithMigrations(t *testing.T, fsys fs.FS) *DB {
	t.Helper()

	db, err := Open(t.Context(), Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: 5,
		Migrations:  fsys,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

func testdataFS(t *testing.T) fs.FS {
	t.Helper()
	sub, err := fs.Sub(testMigrationsFS, "testdata")
	if err != nil {
		t.Fatalf("fs.Sub() error = %v", err)
	}
	return sub
}

// TestMigrate verifies migration application.
func TestMigrate(t *testing.T) {
	db := openWithMigrations(t, testdataFS(t))
	ctx := t.Context()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	var tableName string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='test_users'",
	).Scan(&tableName)
	if err != nil {
		t.Fatalf("table test_users not created: %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("expected 1 applied migration, got %d", len(applied))
	}
	if len(pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(pending))
	}

	// Running again should be idempotent
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

// TestMigrate_RegistrySchema applies the embedded production migrations.
func TestMigrate_RegistrySchema(t *testing.T) {
	db := openTestDB(t)
	ctx := t.Context()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	for _, table := range []string{"users", "user_devices", "user_bots", "bots", "clients", "tokens", "authcodes"} {
		var count int
		err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("query error: %v", err)
		}
		if count != 1 {
			t.Errorf("table %s not created", table)
		}
	}
}

// TestMigrateDown verifies migration rollback.
func TestMigrateDown(t *testing.T) {
	db := openWithMigrations(t, testdataFS(t))
	ctx := t.Context()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}

	var count int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='test_users'",
	).Scan(&count)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	if count != 0 {
		t.Error("table test_users should have been dropped")
	}

	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied migrations after rollback, got %d", len(applied))
	}
}

// TestMigrateNoMigrations verifies behaviour with an empty migration set.
func TestMigrateNoMigrations(t *testing.T) {
	var empty embed.FS
	db := openWithMigrations(t, empty)

	if err := db.Migrate(t.Context()); err != nil {
		t.Fatalf("Migrate() with no migrations error = %v", err)
	}
}

// TestGetMigrationStatus verifies status reporting before migrating.
func TestGetMigrationStatus(t *testing.T) {
	db := openWithMigrations(t, testdataFS(t))
	ctx := t.Context()

	if err := db.createMigrationsTable(ctx); err != nil {
		t.Fatalf("createMigrationsTable() error = %v", err)
	}

	applied, pending, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected 0 applied, got %d", len(applied))
	}
	if len(pending) != 1 {
		t.Errorf("expected 1 pending, got %d", len(pending))
	}
}

// TestParseMigrationFilename verifies filename parsing.
func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantUp      bool
		wantOk      bool
	}{
		{"20261015_120000_registry.up.sql", "20261015_120000", "registry", true, true},
		{"20261015_120000_registry.down.sql", "20261015_120000", "registry", false, true},
		{"20261101_090000_add_bot_index.up.sql", "20261101_090000", "add_bot_index", true, true},
		{"20261101_090000.up.sql", "20261101_090000", "20261101_090000", true, true},
		{"readme.txt", "", "", false, false},
		{"20261015_120000_registry.sql", "", "", false, false},
		{"invalid.up.sql", "", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			f, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if !ok {
				return
			}
			if f.version != tt.wantVersion || f.name != tt.wantName || f.up != tt.wantUp {
				t.Errorf("parsed = %+v, want version %q name %q up %v", f, tt.wantVersion, tt.wantName, tt.wantUp)
			}
		})
	}
}

// TestLoadMigrations_OrphanDown rejects a down file without its up file.
func TestLoadMigrations_OrphanDown(t *testing.T) {
	fsys := fstest.MapFS{
		"20261015_120000_registry.down.sql": {Data: []byte("DROP TABLE x;")},
	}
	db := openWithMigrations(t, fsys)

	if err := db.Migrate(t.Context()); !errors.Is(err, ErrStorage) {
		t.Errorf("Migrate() error = %v, want ErrStorage", err)
	}
}
