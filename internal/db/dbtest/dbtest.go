// Package dbtest opens throwaway SQLite databases holding the employee
// table, for tests in any package.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/employee-mcp/internal/config"
	"github.com/hazyhaar/employee-mcp/internal/db"
)

// Schema mirrors the production employee table in SQLite types. The email
// uniqueness constraint lets tests observe datastore rejections.
const Schema = `
CREATE TABLE employee (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    first_name  TEXT NOT NULL,
    last_name   TEXT NOT NULL,
    email       TEXT NOT NULL UNIQUE,
    phone       TEXT NOT NULL,
    hire_date   TEXT NOT NULL,
    salary      REAL NOT NULL
);`

// Config returns a sqlite database config rooted in a fresh temp dir.
func Config(t testing.TB) config.DatabaseConfig {
	t.Helper()
	cfg := config.DefaultConfig().Database
	cfg.Driver = config.DriverSQLite
	cfg.Path = filepath.Join(t.TempDir(), "employees.db")
	return cfg
}

// Open returns a DB with the employee table created, closed on cleanup.
func Open(t testing.TB) *db.DB {
	t.Helper()
	d, err := db.Open(context.Background(), Config(t), nil)
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if _, err := d.Exec(Schema); err != nil {
		t.Fatalf("creating employee table: %v", err)
	}
	return d
}
