package core

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport mapping and retry decisions.
// Every failure that crosses a package boundary carries exactly one Kind.
type Kind int

const (
	KindInternal Kind = iota // Unclassified; maps to 500
	KindAuthMissing          // No usable credential on the request
	KindAuthInvalid          // Credential present but expired/forged/malformed
	KindForbidden            // Authenticated but not entitled
	KindNotFound
	KindValidationFailed
	KindBudgetExceeded // Reservation would cross the daily cap
	KindLockConflict   // Draft lock held by someone else
	KindConflict       // State machine rejected the transition
	KindUnavailable    // Dependency down, timeout, or breaker open
	KindUpstream       // Provider rejected the request (its 4xx)
	KindConfiguration  // Deployment problem, not a caller problem
)

func (k Kind) String() string {
	switch k {
	case KindAuthMissing:
		return "AUTH_MISSING"
	case KindAuthInvalid:
		return "AUTH_INVALID"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindValidationFailed:
		return "VALIDATION_FAILED"
	case KindBudgetExceeded:
		return "BUDGET_EXCEEDED"
	case KindLockConflict:
		return "LOCK_CONFLICT"
	case KindConflict:
		return "CONFLICT"
	case KindUnavailable:
		return "UNAVAILABLE"
	case KindUpstream:
		return "UPSTREAM"
	case KindConfiguration:
		return "CONFIGURATION"
	default:
		return "INTERNAL"
	}
}

// Error is the classified error carried between packages. Detail is the
// caller-safe string that ends up in the response envelope; Err keeps the
// internal cause for logs and must never reach a client.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error with a client-visible detail.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Errf is NewError with fmt-style detail formatting.
func Errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classification and caller-safe detail to an underlying
// error. The cause stays reachable through errors.Is/As.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the classification from err. Anything unclassified is
// KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// DetailOf returns the client-visible detail for err. Unclassified errors
// collapse to a generic message so internal text never leaks into a
// response body.
func DetailOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Detail != "" {
		return ce.Detail
	}
	return "internal error"
}

// IsKind reports whether err carries the given classification.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}
