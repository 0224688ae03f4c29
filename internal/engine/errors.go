package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/store"
)

// ErrBusy is returned by Sync when a cycle is already running. The call
// does nothing; it is not queued.
var ErrBusy = errors.New("engine: sync already in progress")

// SyncError describes the failure of one step of a sync cycle.
//
// The cycle never returns SyncErrors to its caller. They are rendered into
// Result.Errors and logged.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// Queue is the queue the entry belongs to, or empty for cycle-level
	// steps such as verification and purge.
	Queue string

	// EntryID identifies the affected entry.
	EntryID string

	// Op names the step that failed.
	Op string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeTransient indicates a remote failure. The entry stays pending
	// and is retried on the next cycle.
	ErrCodeTransient SyncErrorCode = "TRANSIENT"

	// ErrCodeAlreadyApplied indicates the remote already holds the write.
	// The entry is marked synced.
	ErrCodeAlreadyApplied SyncErrorCode = "ALREADY_APPLIED"

	// ErrCodeIntegrity indicates a broken hash-chain link.
	ErrCodeIntegrity SyncErrorCode = "INTEGRITY"

	// ErrCodeConflict indicates the remote record changed after the
	// mutation was queued. The server copy wins.
	ErrCodeConflict SyncErrorCode = "CONFLICT"

	// ErrCodeStorage indicates a local persistence failure.
	ErrCodeStorage SyncErrorCode = "STORAGE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	switch {
	case e.Queue != "" && e.EntryID != "":
		return fmt.Sprintf("%s: %s %s/%s: %v", e.Code, e.Op, e.Queue, e.EntryID, e.Err)
	case e.EntryID != "":
		return fmt.Sprintf("%s: %s %s: %v", e.Code, e.Op, e.EntryID, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable remote failure.
func IsTransient(err error) bool {
	return hasCode(err, ErrCodeTransient)
}

// IsAlreadyApplied reports whether err means the remote already has the
// write.
func IsAlreadyApplied(err error) bool {
	return hasCode(err, ErrCodeAlreadyApplied)
}

// IsIntegrity reports whether err is a hash-chain violation.
func IsIntegrity(err error) bool {
	return hasCode(err, ErrCodeIntegrity)
}

// IsConflict reports whether err is a server-wins conflict.
func IsConflict(err error) bool {
	return hasCode(err, ErrCodeConflict)
}

// IsStorage reports whether err is a local persistence failure.
func IsStorage(err error) bool {
	return hasCode(err, ErrCodeStorage)
}

func hasCode(err error, code SyncErrorCode) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// classify maps a cause onto the sync taxonomy.
func classify(err error) SyncErrorCode {
	switch {
	case remote.IsDuplicate(err):
		return ErrCodeAlreadyApplied
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrDuplicateID):
		return ErrCodeStorage
	default:
		return ErrCodeTransient
	}
}

func newSyncError(queue, entryID, op string, err error) *SyncError {
	return &SyncError{
		Code:    classify(err),
		Queue:   queue,
		EntryID: entryID,
		Op:      op,
		Err:     err,
	}
}

func storageError(queue, entryID, op string, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeStorage,
		Queue:   queue,
		EntryID: entryID,
		Op:      op,
		Err:     err,
	}
}
