// Package errs defines the error kinds shared by the ledger, object store,
// compute trigger and cycle orchestrator. Every error returned across a package
// boundary wraps exactly one kind so callers can branch with errors.Is without
// knowing which backend produced it.
package errs

import (
	"errors"
	"fmt"
)

// Kinds.
var (
	// ErrTransient marks a retryable failure such as a network blip on a
	// backing store.
	ErrTransient = errors.New("transient store error")

	// ErrConflict marks a lost race with a concurrent writer. Callers should
	// re-read and retry.
	ErrConflict = errors.New("conflict")

	// ErrNotFound marks a missing key or object. Not retryable.
	ErrNotFound = errors.New("not found")

	// ErrUnsupportedFormat marks input of an unsupported shape, e.g. an object
	// key with an unknown extension.
	ErrUnsupportedFormat = errors.New("unsupported format")

	// ErrJobInvocation marks a compute job whose start could not be confirmed.
	ErrJobInvocation = errors.New("job invocation error")

	// ErrTimeout marks a wait that exceeded the caller's budget. The external
	// work may still complete.
	ErrTimeout = errors.New("timeout")

	// ErrUpload marks a failure to persist a dataset to the object store.
	ErrUpload = errors.New("upload error")

	// ErrInvalid marks a caller error such as a missing timeout or an unknown
	// job name.
	ErrInvalid = errors.New("invalid argument")
)

// New returns an error of the given kind with a formatted message.
func New(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind to cause. Both remain reachable through errors.Is and
// errors.As. A nil cause yields nil.
func Wrap(kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}

// Retryable reports whether err is worth retrying as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}

// Kind returns the first kind err wraps, or nil when it wraps none.
func Kind(err error) error {
	for _, k := range []error{
		ErrInvalid,
		ErrNotFound,
		ErrUnsupportedFormat,
		ErrConflict,
		ErrJobInvocation,
		ErrTimeout,
		ErrUpload,
		ErrTransient,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
