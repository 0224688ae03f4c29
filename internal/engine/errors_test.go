package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/store"
)

func TestSyncError_Error(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name string
		err  *SyncError
		want string
	}{
		{
			name: "entry",
			err:  &SyncError{Code: ErrCodeTransient, Queue: "transactions", EntryID: "A", Op: "upload sale", Err: cause},
			want: "TRANSIENT: upload sale transactions/A: boom",
		},
		{
			name: "entry without queue",
			err:  &SyncError{Code: ErrCodeStorage, EntryID: "A", Op: "mark synced", Err: cause},
			want: "STORAGE: mark synced A: boom",
		},
		{
			name: "cycle step",
			err:  &SyncError{Code: ErrCodeStorage, Op: "purge", Err: cause},
			want: "STORAGE: purge: boom",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrCodeAlreadyApplied, classify(fmt.Errorf("insert: %w", remote.ErrDuplicate)))
	assert.Equal(t, ErrCodeTransient, classify(remote.ErrUnavailable))
	assert.Equal(t, ErrCodeTransient, classify(errors.New("400 bad request")))
	assert.Equal(t, ErrCodeStorage, classify(store.ErrNotFound))
}

func TestIsHelpers(t *testing.T) {
	wrapped := fmt.Errorf("cycle: %w", &SyncError{Code: ErrCodeConflict, Op: "update", Err: errors.New("newer")})

	assert.True(t, IsConflict(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.False(t, IsAlreadyApplied(wrapped))
	assert.False(t, IsIntegrity(wrapped))
	assert.False(t, IsStorage(wrapped))
	assert.False(t, IsConflict(errors.New("plain")))

	assert.True(t, IsStorage(storageError("transactions", "A", "mark synced", errors.New("disk"))))
	assert.True(t, IsIntegrity(&SyncError{Code: ErrCodeIntegrity, Op: "verify", Err: errors.New("link")}))
	assert.True(t, IsAlreadyApplied(newSyncError("", "", "insert", remote.ErrDuplicate)))
	assert.True(t, IsTransient(newSyncError("", "", "insert", remote.ErrUnavailable)))
}

func TestSyncError_Unwrap(t *testing.T) {
	err := newSyncError("mutations", "m1", "update", remote.ErrUnavailable)
	assert.ErrorIs(t, err, remote.ErrUnavailable)
}
