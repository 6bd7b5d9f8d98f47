package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session engine
var (
	// Backend errors
	ErrTransientBackend = errors.New("transient backend error")
	ErrDeadlineExceeded = errors.New("deadline exceeded")
	ErrNotFound         = errors.New("not found")

	// Profile errors
	ErrProfileNotFound = errors.New("profile not found")
	ErrStaleResult     = errors.New("stale result")

	// Identity errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")

	// General errors
	ErrNotRunning    = errors.New("session machine not running")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join returns an error that wraps the given errors
func Join(errs ...error) error {
	return errors.Join(errs...)
}
