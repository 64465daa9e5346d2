package database

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"
)

// testMigrations is a minimal two-step schema.
var testMigrations = fstest.MapFS{
	"sql/20261001_100000_create_devices.up.sql":   {Data: []byte("CREATE TABLE test_devices (address TEXT PRIMARY KEY) STRICT;")},
	"sql/20261001_100000_create_devices.down.sql": {Data: []byte("DROP TABLE test_devices;")},
	"sql/20261002_100000_add_role.up.sql":         {Data: []byte("ALTER TABLE test_devices ADD COLUMN role TEXT;")},
	"sql/README.md":                               {Data: []byte("not a migration")},
}

// useMigrations swaps MigrationsFS for the duration of a test.
func useMigrations(t *testing.T, fsys fstest.MapFS, dir string) {
	t.Helper()

	origFS, origDir := MigrationsFS, MigrationsDir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})

	MigrationsFS, MigrationsDir = nil, dir
	if fsys != nil {
		MigrationsFS = fsys
	}
}

func tableExists(t *testing.T, db *DB, name string) bool {
	t.Helper()

	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("query error: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations, "sql")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if !tableExists(t, db, "test_devices") {
		t.Fatal("table test_devices not created")
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO test_devices (address, role) VALUES ('32:155617', 'fan')"); err != nil {
		t.Fatalf("second migration not applied: %v", err)
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %d", len(status.Applied))
	}
	if len(status.Pending) != 0 {
		t.Errorf("expected 0 pending migrations, got %d", len(status.Pending))
	}
	if status.Applied[0].Version != "20261001_100000" {
		t.Errorf("first applied = %s", status.Applied[0].Version)
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestMigrateDown(t *testing.T) {
	useMigrations(t, testMigrations, "sql")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// The latest migration has no down file.
	if err := db.MigrateDown(ctx); !errors.Is(err, ErrNoDownMigration) {
		t.Fatalf("MigrateDown() error = %v, want ErrNoDownMigration", err)
	}

	// Forget the second migration so the first can be rolled back.
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = '20261002_100000'"); err != nil {
		t.Fatalf("deleting record: %v", err)
	}
	if err := db.MigrateDown(ctx); err != nil {
		t.Fatalf("MigrateDown() error = %v", err)
	}
	if tableExists(t, db, "test_devices") {
		t.Error("table test_devices should have been dropped")
	}

	status, err := db.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("MigrationStatus() error = %v", err)
	}
	if len(status.Applied) != 0 || len(status.Pending) != 2 {
		t.Errorf("status = %d applied, %d pending", len(status.Applied), len(status.Pending))
	}

	// Nothing left to roll back.
	if err := db.MigrateDown(ctx); err != nil {
		t.Errorf("MigrateDown() on empty history error = %v", err)
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		dir  string
	}{
		{"unset", nil, "migrations"},
		{"missing directory", testMigrations, "absent"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.fsys, tt.dir)

			db := openTestDB(t)
			defer db.Close() //nolint:errcheck // Test cleanup

			if err := db.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate() with no migrations error = %v", err)
			}
		})
	}
}

func TestMigrateRejectsOrphanDown(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"sql/20261001_100000_create_devices.up.sql": {Data: []byte("CREATE TABLE t (x TEXT) STRICT;")},
		"sql/20261005_100000_dropped.down.sql":      {Data: []byte("SELECT 1;")},
	}, "sql")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	err := db.Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "20261005_100000") {
		t.Errorf("Migrate() error = %v, want orphan down file error", err)
	}
}

func TestParseMigrationFile(t *testing.T) {
	tests := []struct {
		filename string
		want     migrationFile
		wantOK   bool
	}{
		{"20261019_120000_ramses_devices.up.sql", migrationFile{"20261019_120000", "ramses_devices", true}, true},
		{"20261019_120000_ramses_devices.down.sql", migrationFile{"20261019_120000", "ramses_devices", false}, true},
		{"20261019_120000.up.sql", migrationFile{"20261019_120000", "20261019_120000", true}, true},
		{"readme.txt", migrationFile{}, false},
		{"20261019_120000_ramses_devices.sql", migrationFile{}, false},
		{"invalid.up.sql", migrationFile{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			got, ok := parseMigrationFile(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("parseMigrationFile() = %+v, want %+v", got, tt.want)
			}
		})
	}
}
