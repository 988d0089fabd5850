// Package testutil opens throwaway SQLite stores for package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
)

// OpenSQLite creates a migrated database file under t.TempDir and returns the
// pool plus a connection factory over it. Both are closed with the test.
func OpenSQLite(t testing.TB) (*sqlx.DB, *database.PoolFactory) {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "identity.db") + "?_pragma=busy_timeout(5000)"
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := database.Migrate(context.Background(), db.DB, database.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, database.NewPoolFactory(db)
}
