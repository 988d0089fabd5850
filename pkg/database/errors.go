package database

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// UniqueViolation reports whether err is a unique constraint failure and, when
// it is, which index tripped. The index names come from the migrations; for
// SQLite the column list in the message is mapped back onto them.
func UniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "23505" {
			return pqErr.Constraint, true
		}
		return "", false
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return "", false
		}
		msg := liteErr.Error()
		switch {
		case strings.Contains(msg, "users.oauth_provider"):
			return "users_oauth_uq", true
		case strings.Contains(msg, "users.email"):
			return "users_email_uq", true
		case strings.Contains(msg, "users.reset_token"):
			return "users_reset_token_uq", true
		}
		return "", true
	}
	return "", false
}
