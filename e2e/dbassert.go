package e2e

import (
	"database/sql"
	"sync"
	"testing"
)

// DBAssert reads the server's SQLite file directly to check what the tools
// really wrote. It keeps one connection open.
type DBAssert struct {
	path string

	mu   sync.Mutex
	conn *sql.DB
}

func NewDBAssert(path string) *DBAssert {
	return &DBAssert{path: path}
}

func (d *DBAssert) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		d.conn.Close()
		d.conn = nil
	}
}

func (d *DBAssert) db() (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		return d.conn, nil
	}
	db, err := sql.Open("sqlite", "file:"+d.path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	d.conn = db
	return db, nil
}

// CountEmployees returns the number of rows in the employee table.
func (d *DBAssert) CountEmployees(t *testing.T) int {
	t.Helper()
	db, err := d.db()
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM employee").Scan(&n); err != nil {
		t.Fatalf("counting employees: %v", err)
	}
	return n
}

// RequireEmployee checks a stored row field by field.
func (d *DBAssert) RequireEmployee(t *testing.T, id int64, email string, salary float64) {
	t.Helper()
	db, err := d.db()
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	var gotEmail string
	var gotSalary float64
	err = db.QueryRow("SELECT email, salary FROM employee WHERE id = ?", id).Scan(&gotEmail, &gotSalary)
	if err != nil {
		t.Fatalf("employee %d: %v", id, err)
	}
	if gotEmail != email || gotSalary != salary {
		t.Fatalf("employee %d: got (%s, %v), want (%s, %v)", id, gotEmail, gotSalary, email, salary)
	}
}

// RequireNoEmployee fails if a row with id exists.
func (d *DBAssert) RequireNoEmployee(t *testing.T, id int64) {
	t.Helper()
	db, err := d.db()
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM employee WHERE id = ?", id).Scan(&n); err != nil {
		t.Fatalf("querying employee %d: %v", id, err)
	}
	if n != 0 {
		t.Fatalf("employee %d still present", id)
	}
}
