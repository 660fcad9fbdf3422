// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// sqliteConflictNeedles are the substrings the driver surfaces for SQLite
// concurrency failures. modernc.org/sqlite reports them as plain errors, so
// substring matching is the only classification available.
var sqliteConflictNeedles = []string{
	"SQLITE_BUSY",
	"database is locked",
}

// IsSQLiteConflictError reports whether err is a SQLite concurrency error
// that warrants a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range sqliteConflictNeedles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
