package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// CartError is a rejected cart operation. The cart is unchanged when an
// operation returns a CartError.
type CartError struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Key is the affected item key, when there is one.
	Key string

	// Details contains additional context.
	Details map[string]string
}

// ErrorCode categorizes cart errors.
type ErrorCode string

const (
	// CodeInvalidItem: the descriptor lacks a catalog id or display name.
	CodeInvalidItem ErrorCode = "INVALID_ITEM"

	// CodeInvalidDateRange: an override is half-specified or start >= end.
	CodeInvalidDateRange ErrorCode = "INVALID_DATE_RANGE"

	// CodeQuantityExceeded: a quantity update is above the per-item ceiling,
	// or is not 1 for a serialized item.
	CodeQuantityExceeded ErrorCode = "QUANTITY_EXCEEDED"

	// CodeCapacityExceeded: a new line would exceed MaxItems.
	CodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// CodeDuplicateSerial: the serialized unit is already in the cart.
	CodeDuplicateSerial ErrorCode = "DUPLICATE_SERIAL"

	// CodeItemNotFound: no line has the given key.
	CodeItemNotFound ErrorCode = "ITEM_NOT_FOUND"

	// CodeEmptyCart: an action was requested on an empty cart.
	CodeEmptyCart ErrorCode = "EMPTY_CART"

	// CodeMissingClient: an action was requested without a client id.
	CodeMissingClient ErrorCode = "MISSING_CLIENT"

	// CodeMissingDates: some line has neither an override nor an ambient range.
	CodeMissingDates ErrorCode = "MISSING_DATES"

	// CodeActionInProgress: another action is still running.
	CodeActionInProgress ErrorCode = "ACTION_IN_PROGRESS"
)

// Error implements the error interface.
func (e *CartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s", e.Code, e.Message)
	if e.Key != "" {
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	if len(e.Details) > 0 {
		names := make([]string, 0, len(e.Details))
		for k := range e.Details {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, k := range names {
			parts = append(parts, k+"="+e.Details[k])
		}
		fmt.Fprintf(&b, " [%s]", strings.Join(parts, ", "))
	}
	return b.String()
}

// IsCode reports whether err is a CartError with the given code.
// Uses errors.As to handle wrapped errors.
func IsCode(err error, code ErrorCode) bool {
	var ce *CartError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// CodeOf returns the CartError code in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var ce *CartError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

func newCartError(code ErrorCode, key, format string, args ...any) *CartError {
	return &CartError{Code: code, Key: key, Message: fmt.Sprintf(format, args...)}
}

func errItemNotFound(key string) *CartError {
	return newCartError(CodeItemNotFound, key, "no item with this key")
}

func errActionInProgress() *CartError {
	return newCartError(CodeActionInProgress, "", "another action is still running")
}
