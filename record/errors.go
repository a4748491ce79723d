/*
errors.go - Centralized error types for the record store

ERROR CATEGORIES:
  1. Key errors - invalid or clashing business keys
  2. Store errors - missing rows and connectivity failures

USAGE:
  Store implementations translate driver errors into these sentinels so the
  upserter can tell a per-record failure (count it, keep going) from a
  connectivity failure (abort the batch):

    if errors.Is(err, record.ErrStoreUnavailable) {
        return result, err
    }

SEE ALSO:
  - store.go: Interfaces returning these errors
  - ingest/upsert.go: Batch failure policy built on them
*/
package record

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned by Update and Delete when the key does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateKey is returned by Insert when the business key already
	// exists. The upserter retries such inserts as updates.
	ErrDuplicateKey = errors.New("duplicate business key")

	// ErrInvalidKey is returned for zero, negative or non-numeric keys.
	ErrInvalidKey = errors.New("invalid business key")

	// ErrStoreUnavailable marks connectivity failures. A batch that hits one
	// stops; records already written stay written.
	ErrStoreUnavailable = errors.New("record store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// KeyError carries the offending key (or raw text) with the cause.
type KeyError struct {
	Key BusinessKey
	Raw string
	Err error
}

func (e *KeyError) Error() string {
	if e.Raw != "" {
		return fmt.Sprintf("business key %q: %v", e.Raw, e.Err)
	}
	return fmt.Sprintf("business key %d: %v", e.Key, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidKey) || errors.Is(err, ErrDuplicateKey)
}

// IsFatal returns true if a batch should stop on this error.
func IsFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
