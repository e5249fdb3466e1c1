package provider

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a provider failure. These are the only kinds the
// policy layer dispatches on.
type Kind string

const (
	KindAuth           Kind = "auth"
	KindRateLimited    Kind = "rate_limited"
	KindServer         Kind = "server"
	KindNetwork        Kind = "network"
	KindTimeout        Kind = "timeout"
	KindInvalidRequest Kind = "invalid_request"
	KindDecode         Kind = "decode"
	KindInit           Kind = "init"
)

// Error is the provider-layer error record. Status is the HTTP status
// when one was observed; RetryAfter is the backend's requested backoff
// for rate-limited calls.
type Error struct {
	Kind       Kind
	Status     int
	RetryAfter time.Duration
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("provider %s (status %d): %s", e.Kind, e.Status, msg)
	}
	return fmt.Sprintf("provider %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error belongs to the default
// retryable set: rate limits, 5xx server errors, network failures
// and timeouts.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRateLimited, KindNetwork, KindTimeout:
		return true
	case KindServer:
		return e.Status == 0 || e.Status >= 500
	}
	return false
}

// KindOf extracts the provider error kind from err, unwrapping as
// needed. ok is false when err carries no provider classification.
func KindOf(err error) (Kind, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind, true
	}
	return "", false
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Retryable()
}

// Errorf builds an Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}
