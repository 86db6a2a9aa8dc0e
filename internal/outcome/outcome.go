// Package outcome classifies handler failures so the queue can apply the right
// retry policy. Every failure path in a handler must map to one of these kinds;
// an unclassified error is treated as transient up to the attempt ceiling.
package outcome

import (
	"errors"
	"fmt"
)

// ErrStaleReference marks a trigger whose referenced entity no longer exists at
// execution time. Not an error condition: the handler completes as a no-op and
// the job is marked done without retry.
var ErrStaleReference = errors.New("stale reference")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Permanent wraps err so the queue drops the job without retry.
// Used for validation failures and other conditions retrying cannot fix.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent with fmt.Errorf formatting.
func Permanentf(format string, args ...any) error {
	return &permanentError{err: fmt.Errorf(format, args...)}
}

// Transient wraps err so the queue reschedules the job with backoff.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Transientf is Transient with fmt.Errorf formatting.
func Transientf(format string, args ...any) error {
	return &transientError{err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err was classified with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err was classified with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
