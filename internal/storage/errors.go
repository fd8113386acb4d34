package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a delete or query targets an absent record.
// Callers treat it as a normal negative result, not a failure.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyInProgress is returned when a download is requested for an asset
// that already has a non-terminal task. The existing task is left untouched.
var ErrAlreadyInProgress = errors.New("download already in progress")

// ErrStorageUnavailable signals that the durable store cannot be used right
// now (quota exceeded, file locked, storage disabled). Callers must degrade
// to "not cached" rather than crash.
var ErrStorageUnavailable = errors.New("storage unavailable")

// NetworkError represents network failures including non-2xx responses,
// connection errors and timeouts. Strategies fall back to cache or an
// offline placeholder instead of surfacing it to clients.
type NetworkError struct {
	Operation  string // The operation that failed (e.g., "fetch_asset", "refresh_entry")
	URL        string // The URL being fetched, if applicable
	StatusCode int    // HTTP status code, if applicable (0 for transport errors)
	Err        error  // Underlying error, if any
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("network error during %s: %s", e.Operation, e.URL)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// StorageError wraps a low-level store failure with the operation and table
// that produced it. It unwraps to ErrStorageUnavailable so callers can use
// errors.Is without inspecting the concrete type.
type StorageError struct {
	Operation string // The repository operation that failed (e.g., "put_video")
	Table     string // The logical table involved
	Err       error  // Underlying error, if any
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s on %s: %v", e.Operation, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	return ErrStorageUnavailable
}
