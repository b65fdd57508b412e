// Package apperrors defines the error taxonomy shared by the signing services.
package apperrors

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Error kinds. Every service error wraps exactly one of these so callers can map
// failures with errors.Is without inspecting codes.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized indicates a missing, unverified or expired credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrExpired indicates a time-bound credential was presented after its window.
	ErrExpired = errors.New("expired")
	// ErrMismatch indicates a presented secret did not match the stored one.
	ErrMismatch = errors.New("mismatch")
	// ErrConflict indicates a uniqueness or state conflict.
	ErrConflict = errors.New("conflict")
	// ErrValidation indicates malformed or inconsistent input.
	ErrValidation = errors.New("validation failed")
	// ErrPreconditionFailed indicates an operation was attempted before its prerequisites held.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrIntegrity indicates stored data failed an integrity check.
	ErrIntegrity = errors.New("integrity violation")
	// ErrInternal indicates a failure with no safe degraded path.
	ErrInternal = errors.New("internal error")
)

// Error is the concrete error returned by services. Its code follows the
// "<package>.<operation>.<reason>" convention.
type Error struct {
	code    string
	reason  string
	kind    error
	reasons []string
	err     error
}

// New builds an Error for the operation and reason with the given kind and cause.
func New(operation, reason string, kind error, cause error) *Error {
	if kind == nil {
		kind = ErrInternal
	}
	return &Error{
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		kind:   kind,
		err:    cause,
	}
}

// WithReasons attaches a list of human-readable remediation reasons.
func (e *Error) WithReasons(reasons []string) *Error {
	e.reasons = append([]string(nil), reasons...)
	return e
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString(e.code)
	if len(e.reasons) > 0 {
		builder.WriteString(": ")
		builder.WriteString(strings.Join(e.reasons, "; "))
	}
	if e.err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.err.Error())
	}
	return builder.String()
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.err == nil {
		return []error{e.kind}
	}
	return []error{e.kind, e.err}
}

// Code returns the stable machine-readable code.
func (e *Error) Code() string {
	return e.code
}

// Reason returns the final segment of the code.
func (e *Error) Reason() string {
	return e.reason
}

// Kind returns the kind sentinel.
func (e *Error) Kind() error {
	return e.kind
}

// Reasons returns the collected remediation reasons, if any.
func (e *Error) Reasons() []string {
	return append([]string(nil), e.reasons...)
}

// KindOf reports the kind of err, defaulting to ErrInternal for foreign errors.
func KindOf(err error) error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return ErrInternal
}

// As extracts the *Error from err.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsUniqueViolation reports whether err came from a storage-layer unique constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "sqlstate 23505")
}
