// Package gorm provides the GORM-backed durable notebook store for coachnote.
package gorm

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(Config{
		Driver:   DriverSQLite,
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewStore(t *testing.T) {
	store := testStore(t)

	if err := store.Ping(); err != nil {
		t.Fatalf("ping failed: %v", err)
	}

	// Verify WAL mode is enabled
	var journalMode string
	if err := store.DB.Raw("PRAGMA journal_mode").Scan(&journalMode).Error; err != nil {
		t.Fatalf("query journal_mode failed: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("expected WAL mode, got %q", journalMode)
	}

	if !store.DB.Migrator().HasTable("notebooks") {
		t.Errorf("table %q does not exist", "notebooks")
	}
	if !store.DB.Migrator().HasIndex(&NotebookRow{}, "idx_notebooks_therapist_status") {
		t.Errorf("index %q does not exist", "idx_notebooks_therapist_status")
	}
}

func TestMigrationIdempotency(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	cfg := Config{Driver: DriverSQLite, DSN: dbPath, LogLevel: logger.Silent}

	store1, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore (first) failed: %v", err)
	}
	store1.Close()

	store2, err := NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore (second) failed: %v", err)
	}
	defer store2.Close()

	var count int64
	store2.DB.Table("migrations").Count(&count)
	if count != 2 {
		t.Errorf("expected 2 applied migrations, got %d", count)
	}
}

func TestNewStore_UnsupportedDriver(t *testing.T) {
	if _, err := NewStore(Config{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := NewStore(Config{Driver: DriverSQLite}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}
