package storage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that the requested entity, user or interaction was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates a duplicate unique key on create.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidVector indicates a dimension mismatch or a malformed vector.
	ErrInvalidVector = errors.New("invalid vector")

	// ErrNoFeatureVector indicates that an entity cannot be scored by similarity.
	ErrNoFeatureVector = errors.New("entity has no feature vector")

	// ErrColdStart indicates that a subject lacks the data needed for scoring.
	ErrColdStart = errors.New("cold start")

	// ErrIndexUnavailable indicates the ANN structure is not built or queryable.
	ErrIndexUnavailable = errors.New("similarity index unavailable")

	// ErrTimeout indicates the underlying I/O exceeded the caller deadline.
	ErrTimeout = errors.New("timeout")

	// ErrBackend indicates a generic persistence or cache failure.
	ErrBackend = errors.New("backend failure")
)

// IsRetryable reports whether err is a transient failure the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrBackend)
}

// IsInsufficientData reports whether err signals a cold-start condition that
// should be routed to the trending fallback.
func IsInsufficientData(err error) bool {
	return errors.Is(err, ErrColdStart) || errors.Is(err, ErrNoFeatureVector)
}

// WrapBackendError classifies a driver error. Deadline errors become
// ErrTimeout, everything else ErrBackend. Errors already in the taxonomy and
// context cancellation pass through with added context.
func WrapBackendError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidVector),
		errors.Is(err, ErrTimeout), errors.Is(err, ErrBackend):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
	}
}
