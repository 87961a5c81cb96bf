package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Employee is one row of the employee table.
type Employee struct {
	ID        int64   `db:"id" json:"id"`
	FirstName string  `db:"first_name" json:"first_name"`
	LastName  string  `db:"last_name" json:"last_name"`
	Email     string  `db:"email" json:"email"`
	Phone     string  `db:"phone" json:"phone"`
	HireDate  string  `db:"hire_date" json:"hire_date"`
	Salary    float64 `db:"salary" json:"salary"`
}

// EmployeeInput holds every mutable field; create and update both take all of them.
type EmployeeInput struct {
	FirstName string  `db:"first_name" json:"first_name"`
	LastName  string  `db:"last_name" json:"last_name"`
	Email     string  `db:"email" json:"email"`
	Phone     string  `db:"phone" json:"phone"`
	HireDate  string  `db:"hire_date" json:"hire_date"`
	Salary    float64 `db:"salary" json:"salary"`
}

// Map returns the record keyed by column name.
func (e *Employee) Map() map[string]any {
	return map[string]any{
		"id":         e.ID,
		"first_name": e.FirstName,
		"last_name":  e.LastName,
		"email":      e.Email,
		"phone":      e.Phone,
		"hire_date":  e.HireDate,
		"salary":     e.Salary,
	}
}

const insertEmployee = `INSERT INTO employee (first_name, last_name, email, phone, hire_date, salary)
VALUES (:first_name, :last_name, :email, :phone, :hire_date, :salary)`

const updateEmployee = `UPDATE employee SET first_name = :first_name, last_name = :last_name, email = :email,
phone = :phone, hire_date = :hire_date, salary = :salary WHERE id = :id`

// CreateEmployee inserts a row and returns the id the datastore assigned.
func (db *DB) CreateEmployee(ctx context.Context, in EmployeeInput) (int64, error) {
	query := insertEmployee
	if db.dialect.returning {
		query += " RETURNING id"
	}
	query, args, err := db.named(query, in)
	if err != nil {
		return 0, fmt.Errorf("inserting employee: %w", err)
	}

	ctx, done := db.trace.Start(ctx, "Exec", query)
	id, err := db.insert(ctx, query, args)
	done(err)
	if err != nil {
		return 0, fmt.Errorf("inserting employee: %w", err)
	}
	return id, nil
}

func (db *DB) insert(ctx context.Context, query string, args []any) (int64, error) {
	if db.dialect.returning {
		var id int64
		err := db.QueryRowxContext(ctx, query, args...).Scan(&id)
		return id, err
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetEmployee fetches the row for id. A missing row is (nil, nil).
func (db *DB) GetEmployee(ctx context.Context, id int64) (*Employee, error) {
	query := db.Rebind(`SELECT id, first_name, last_name, email, phone, ` + db.dialect.hireDate +
		`, salary FROM employee WHERE id = ?`)

	var e Employee
	ctx, done := db.trace.Start(ctx, "Query", query)
	err := db.GetContext(ctx, &e, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		done(nil)
		return nil, nil
	}
	done(err)
	if err != nil {
		return nil, fmt.Errorf("reading employee %d: %w", id, err)
	}
	return &e, nil
}

// UpdateEmployee overwrites every field of row id. It reports whether a row
// matched; no row is created when none does.
func (db *DB) UpdateEmployee(ctx context.Context, id int64, in EmployeeInput) (bool, error) {
	query, args, err := db.named(updateEmployee, struct {
		EmployeeInput
		ID int64 `db:"id"`
	}{in, id})
	if err != nil {
		return false, fmt.Errorf("updating employee %d: %w", id, err)
	}

	n, err := db.exec(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("updating employee %d: %w", id, err)
	}
	return n > 0, nil
}

// DeleteEmployee removes row id and reports whether it existed.
func (db *DB) DeleteEmployee(ctx context.Context, id int64) (bool, error) {
	n, err := db.exec(ctx, db.Rebind(`DELETE FROM employee WHERE id = ?`), []any{id})
	if err != nil {
		return false, fmt.Errorf("deleting employee %d: %w", id, err)
	}
	return n > 0, nil
}

func (db *DB) exec(ctx context.Context, query string, args []any) (int64, error) {
	ctx, done := db.trace.Start(ctx, "Exec", query)
	res, err := db.ExecContext(ctx, query, args...)
	if err == nil {
		var n int64
		n, err = res.RowsAffected()
		done(err)
		return n, err
	}
	done(err)
	return 0, err
}

// named compiles :name parameters into the driver's bindvar style.
func (db *DB) named(query string, arg any) (string, []any, error) {
	q, args, err := sqlx.Named(query, arg)
	if err != nil {
		return "", nil, err
	}
	return db.Rebind(strings.TrimSpace(q)), args, nil
}
