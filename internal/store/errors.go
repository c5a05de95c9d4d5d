package store

import (
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrRetriesExceeded is returned when a busy transaction could not be
	// committed within the retry budget
	ErrRetriesExceeded = errors.New("db tx retries exceeded")

	// ErrBusy marks a transaction that lost a lock race and may be retried
	ErrBusy = errors.New("database busy")

	// ErrUniqueViolation marks a unique or primary key constraint failure
	ErrUniqueViolation = errors.New("unique constraint violation")
)

// mapSQLError classifies driver errors into the store's sentinel errors.
// Unclassified errors are returned unchanged.
func mapSQLError(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}

	code := sqliteErr.Code()
	switch code & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("%w: %v", ErrBusy, err)

	case sqlite3.SQLITE_CONSTRAINT:
		if code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {

			return fmt.Errorf("%w: %v", ErrUniqueViolation, err)
		}
	}

	return err
}

// IsRetryable reports whether err is worth retrying the transaction for
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
