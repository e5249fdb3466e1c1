// Package domain provides shared domain-level sentinel errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotReady indicates an operation was invoked before Initialize or
// after Shutdown.
var ErrNotReady = errors.New("not ready")

// ErrCancelled indicates an operation was abandoned at a suspension
// point, either through caller cancellation or a deadline.
var ErrCancelled = errors.New("cancelled")

// ErrConfig indicates invalid configuration detected at registration.
var ErrConfig = errors.New("invalid configuration")

// CancelledError wraps the last error observed before cancellation.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string {
	if e.Cause == nil {
		return "cancelled"
	}
	return fmt.Sprintf("cancelled: %v", e.Cause)
}

func (e *CancelledError) Unwrap() error { return e.Cause }

// Is makes CancelledError match ErrCancelled under errors.Is.
func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }

// Cancelled wraps cause in a CancelledError.
func Cancelled(cause error) error { return &CancelledError{Cause: cause} }

// ConfigError wraps a registration-time validation failure.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}
