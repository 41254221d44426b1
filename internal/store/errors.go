package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a local id does not exist in the store.
	// Under the append-only model this indicates a logic error.
	ErrNotFound = errors.New("survey record not found")

	// ErrInvalidTransition is returned when a status change does not start
	// from the state the state machine requires.
	ErrInvalidTransition = errors.New("invalid sync status transition")
)

// StorageError reports that the local database could not be read or written.
// It is fatal to the operation in progress and is never retried automatically.
type StorageError struct {
	// Op is the store operation that failed, e.g. "insert survey".
	Op string
	// Err is the underlying driver error.
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying driver error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageFault reports whether err (or anything it wraps) is a StorageError.
func IsStorageFault(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsNotFound reports whether err (or anything it wraps) is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
