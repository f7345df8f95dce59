package domain

import (
	"errors"
	"fmt"

	"caresync/internal/models"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrStaleWrite = errors.New("write is older than stored snapshot")
	ErrNotFailed  = errors.New("item is not in failed state")
)

// QueueFullError rejects an enqueue once the queue reached its limit.
type QueueFullError struct {
	Max int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("sync queue is full (max size: %d)", e.Max)
}

// TransientError is a connectivity, timeout or 5xx failure worth retrying.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: transient http %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError is a non-retryable rejection by the server.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected with http %d: %s", e.StatusCode, e.Message)
}

// ConflictError means local and server state disagree. Local may be nil when
// the mirror holds nothing for the key.
type ConflictError struct {
	Key    string
	Local  *models.MirrorEntry
	Remote *models.MirrorEntry
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("sync conflict on %s", e.Key)
}

// StorageError is a failure to persist to the durable store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err should be retried with backoff. Unknown
// errors are treated as transient so data is never dropped on a surprise.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return false
	}
	var conflict *ConflictError
	return !errors.As(err, &conflict)
}

// AsConflict extracts a ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

// IsStorage reports whether err came from the durable store.
func IsStorage(err error) bool {
	var storage *StorageError
	return errors.As(err, &storage)
}
