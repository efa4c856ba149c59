package db

import (
	"strings"

	"github.com/teranos/flowworker/errors"
)

// ErrDatabaseClosed is returned when a store is used after shutdown closed its database.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err is ErrDatabaseClosed or the driver's own
// closed-database error, which arrives unwrapped from database/sql.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
