// Package apperr defines the error taxonomy shared by every component.
//
// Components wrap these sentinels with fmt.Errorf("...: %w", err) and callers
// classify with errors.Is. The HTTP layer maps kinds to status codes in
// httputil.FromError.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel error kinds.
var (
	ErrTransientIO       = errors.New("transient i/o failure")
	ErrQueryShape        = errors.New("query shape error")
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrSORUnavailable    = errors.New("system of record unavailable")
	ErrIntegrityConflict = errors.New("integrity conflict")
	ErrFatal             = errors.New("fatal")
)

// ValidationError carries a human-readable detail for a 400 response.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation builds a ValidationFailed error.
func Validation(format string, args ...interface{}) error {
	return &ValidationError{Detail: fmt.Sprintf(format, args...)}
}

// NotFound wraps ErrNotFound with the name of the missing entity.
func NotFound(what string) error {
	return fmt.Errorf("%s: %w", what, ErrNotFound)
}

// Transient wraps err as TransientIO unless it is already classified.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransientIO, err)
}

// IsRetryable reports whether a caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientIO)
}
