// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

import (
	"fmt"
	"strings"
)

const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx).
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean to an integer for SQL storage.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// InsertIgnore rewrites an INSERT statement so that a unique-constraint
// conflict becomes a no-op instead of an error.
//
//	SQLite:   INSERT OR IGNORE INTO ...
//	Postgres: INSERT INTO ... ON CONFLICT DO NOTHING
//
// The statement must start with "INSERT INTO".
func InsertIgnore(driver, insert string) string {
	if IsPostgres(driver) {
		return insert + " ON CONFLICT DO NOTHING"
	}
	return "INSERT OR IGNORE" + insert[len("INSERT"):]
}

// Blob returns the column type for binary payloads.
func Blob(driver string) string {
	if IsPostgres(driver) {
		return "BYTEA"
	}
	return "BLOB"
}

// IsUniqueViolation reports whether the error is a unique-constraint
// violation from either engine.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}

// UpsertClause returns the conflict clause for an insert-or-update statement
// keyed on the given column list. setExpr is the assignment list, e.g.
// "session_id = excluded.session_id". Both engines support the excluded
// pseudo-table.
func UpsertClause(conflictCols, setExpr string) string {
	return fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET %s", conflictCols, setExpr)
}
