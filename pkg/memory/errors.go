package memory

import (
	"context"
	"errors"
)

var (
	// ErrInvalidInput marks input that can never succeed, such as a memory
	// unit without an embedding. Not retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDependencyUnavailable marks a failure of an external store, index or
	// provider. Retryable.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrUnsupportedSync means no converter exists for an (entity, target) pair.
	ErrUnsupportedSync = errors.New("unsupported sync")

	// ErrStaleVersion means a write lost against a newer one and was discarded.
	ErrStaleVersion = errors.New("stale version")

	ErrNotFound = errors.New("not found")
)

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrUnsupportedSync) || errors.Is(err, ErrStaleVersion) {
		return false
	}
	return errors.Is(err, ErrDependencyUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
