package broker

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrEmptyUserID indicates a store operation was attempted without a user id.
	ErrEmptyUserID = errors.New("credential_store.empty_user_id")
)

// CredentialStore maps verified user ids to credential records.
//
// UpsertMerge applies CredentialRecord.Merge atomically with respect to concurrent readers.
// WithLock serializes every operation on one user id; operations on different users never
// block each other. The lock is not reentrant, so fn must use Get/UpsertMerge/Delete directly.
type CredentialStore interface {
	Get(ctx context.Context, userID string) (CredentialRecord, bool, error)
	UpsertMerge(ctx context.Context, userID string, update CredentialRecord) (CredentialRecord, error)
	Delete(ctx context.Context, userID string) error
	WithLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}

// userLocks hands out one mutex per user id and forgets it once nobody holds or waits on it.
type userLocks struct {
	mutex   sync.Mutex
	entries map[string]*userLockEntry
}

type userLockEntry struct {
	mutex   sync.Mutex
	holders int
}

func newUserLocks() *userLocks {
	return &userLocks{entries: make(map[string]*userLockEntry)}
}

func (locks *userLocks) withLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	entry := locks.acquire(userID)
	defer locks.release(userID, entry)
	return fn(ctx)
}

func (locks *userLocks) acquire(userID string) *userLockEntry {
	locks.mutex.Lock()
	entry, ok := locks.entries[userID]
	if !ok {
		entry = &userLockEntry{}
		locks.entries[userID] = entry
	}
	entry.holders++
	locks.mutex.Unlock()

	entry.mutex.Lock()
	return entry
}

func (locks *userLocks) release(userID string, entry *userLockEntry) {
	entry.mutex.Unlock()

	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	entry.holders--
	if entry.holders == 0 {
		delete(locks.entries, userID)
	}
}

func (locks *userLocks) size() int {
	locks.mutex.Lock()
	defer locks.mutex.Unlock()
	return len(locks.entries)
}
