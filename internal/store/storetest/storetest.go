// Package storetest opens throwaway SQLite databases for tests.
package storetest

import (
	"path/filepath"
	"testing"

	"gorm.io/gorm"

	"github.com/sentryal/sentryal-insar/internal/store"
)

// Open returns a migrated database in t's temp directory, closed on cleanup.
func Open(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "sentryal_test.db") + "?_busy_timeout=5000"
	db, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { store.Close(db) })

	if err := store.Migrate(db); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}
