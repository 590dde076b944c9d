package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransient   = errors.New("transient execution failure")
	ErrDefinitive  = errors.New("definitive execution failure")
	ErrCircuitOpen = errors.New("circuit open")
)

type transientError struct{ err error }

func (e transientError) Error() string        { return e.err.Error() }
func (e transientError) Unwrap() error        { return e.err }
func (e transientError) Is(target error) bool { return target == ErrTransient }

// DefinitiveError marks a failure that must not be retried.
type DefinitiveError struct {
	Err error
}

func (e DefinitiveError) Error() string { return e.Err.Error() }
func (e DefinitiveError) Unwrap() error { return e.Err }
func (e DefinitiveError) Is(target error) bool {
	return target == ErrDefinitive
}

// Transient wraps err so IsTransient reports true.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Definitive wraps err so it is surfaced without retry.
func Definitive(err error) error {
	if err == nil {
		return nil
	}
	return DefinitiveError{Err: err}
}

// OpenError is returned while a breaker rejects calls.
type OpenError struct {
	Site       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open; retry after %s", e.Site, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Is(target error) bool { return target == ErrCircuitOpen }

// IsTransient reports whether err is worth retrying. Unclassified errors are
// treated as transient; cancellation and definitive failures are not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDefinitive) || errors.Is(err, context.Canceled) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	return true
}
