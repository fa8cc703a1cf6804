package store

import (
	"errors"
	"fmt"
)

// ErrorCode classifies storage failures.
type ErrorCode string

const (
	// CodeQuotaExceeded: the record did not fit even after evicting every
	// other scope's record.
	CodeQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"

	// CodeDiscarded: a stored record was unreadable or had an unsupported
	// schema version and was deleted.
	CodeDiscarded ErrorCode = "DISCARDED"

	// CodeBackend: the backend itself failed.
	CodeBackend ErrorCode = "BACKEND"
)

// StorageError reports a persistence failure for one scope.
// Storage failures never corrupt the in-memory cart.
type StorageError struct {
	Code  ErrorCode
	Scope string
	Err   error
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store [%s] scope %q: %v", e.Code, e.Scope, e.Err)
	}
	return fmt.Sprintf("store [%s] scope %q", e.Code, e.Scope)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsQuotaExceeded reports whether err is a StorageError with CodeQuotaExceeded.
func IsQuotaExceeded(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Code == CodeQuotaExceeded
}

// CodeOf returns the StorageError code in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var se *StorageError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
