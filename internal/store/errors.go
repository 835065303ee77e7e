package store

import (
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// ErrBusy is returned when the busy timeout elapsed waiting for the
// writer. Distinct from other storage errors so read-only callers can
// retry and the adapter can signal overload.
var ErrBusy = errors.New("database busy")

// SQLite primary/extended result codes we care about.
const (
	sqliteBusy               = 5
	sqliteBusySnapshot       = 261
	sqliteConstraint         = 19
	sqliteConstraintUnique   = 2067
	sqliteConstraintPrimary  = 1555
	sqliteConstraintTrigger  = 1811
	sqliteConstraintNotNull  = 1299
	sqliteConstraintCheckKey = 275
)

// mapError wraps driver errors with the package sentinels so callers
// can branch with errors.Is without importing the driver.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.Code() {
	case sqliteBusy, sqliteBusySnapshot:
		return fmt.Errorf("%w: %v", ErrBusy, err)
	case sqliteConstraint, sqliteConstraintUnique, sqliteConstraintPrimary,
		sqliteConstraintTrigger, sqliteConstraintNotNull, sqliteConstraintCheckKey:
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// IsBusy reports whether err is a busy-timeout error.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsConflict reports whether err is a uniqueness violation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
