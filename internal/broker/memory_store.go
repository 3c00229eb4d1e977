package broker

import (
	"context"
	"sync"
)

// MemoryCredentialStore is a volatile CredentialStore used by default and in tests.
type MemoryCredentialStore struct {
	mutex   sync.RWMutex
	records map[string]CredentialRecord
	locks   *userLocks
}

// NewMemoryCredentialStore creates an empty in-memory store.
func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{
		records: make(map[string]CredentialRecord),
		locks:   newUserLocks(),
	}
}

// Get returns a copy of the stored record.
func (store *MemoryCredentialStore) Get(ctx context.Context, userID string) (CredentialRecord, bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.records[userID]
	return record, ok, nil
}

// UpsertMerge merges update into the stored record, creating it when absent.
func (store *MemoryCredentialStore) UpsertMerge(ctx context.Context, userID string, update CredentialRecord) (CredentialRecord, error) {
	if userID == "" {
		return CredentialRecord{}, ErrEmptyUserID
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing := store.records[userID]
	update.UserID = userID
	merged := existing.Merge(update)
	store.records[userID] = merged
	return merged, nil
}

// Delete removes the record; deleting an absent record is not an error.
func (store *MemoryCredentialStore) Delete(ctx context.Context, userID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.records, userID)
	return nil
}

// WithLock runs fn while holding the per-user lock.
func (store *MemoryCredentialStore) WithLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	return store.locks.withLock(ctx, userID, fn)
}
