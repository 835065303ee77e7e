package queue

import (
	"errors"
	"fmt"

	"github.com/sqew/sqew/internal/store"
)

// Error kinds. The API maps them to HTTP statuses, the CLI to exit
// codes; both print them as "kind: detail".
const (
	KindNotFound        = "NOT_FOUND"
	KindAlreadyExists   = "ALREADY_EXISTS"
	KindInvalidArgument = "INVALID_ARGUMENT"
	KindPayloadTooLarge = "PAYLOAD_TOO_LARGE"
	KindLeaseLost       = "LEASE_LOST"
	KindOverloaded      = "OVERLOADED"
	KindStorage         = "STORAGE"
)

// Error is the typed outcome the engine and registry return.
type Error struct {
	Kind   string
	Detail string
}

func (e *Error) Error() string {
	return e.Kind + ": " + e.Detail
}

func notFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Detail: fmt.Sprintf(format, args...)}
}

func alreadyExistsf(format string, args ...any) *Error {
	return &Error{Kind: KindAlreadyExists, Detail: fmt.Sprintf(format, args...)}
}

func invalidArgf(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Detail: fmt.Sprintf(format, args...)}
}

func payloadTooLargef(format string, args ...any) *Error {
	return &Error{Kind: KindPayloadTooLarge, Detail: fmt.Sprintf(format, args...)}
}

func leaseLostf(format string, args ...any) *Error {
	return &Error{Kind: KindLeaseLost, Detail: fmt.Sprintf(format, args...)}
}

// storageErr wraps a store failure as a typed engine error, keeping the
// busy/overload distinction visible to the adapter.
func storageErr(op string, err error) *Error {
	kind := KindStorage
	if store.IsBusy(err) {
		kind = KindOverloaded
	}
	return &Error{Kind: kind, Detail: fmt.Sprintf("%s: %v", op, err)}
}

// KindOf extracts the error kind, defaulting to STORAGE for untyped
// errors.
func KindOf(err error) string {
	var qerr *Error
	if errors.As(err, &qerr) {
		return qerr.Kind
	}
	return KindStorage
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}
