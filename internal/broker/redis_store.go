package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix          = "credbroker"
	redisMergeMaxAttempts   = 5
	redisConnectMaxAttempts = 5
)

// RedisCredentialStore keeps one Redis hash per user.
type RedisCredentialStore struct {
	client *redis.Client
	prefix string
	locks  *userLocks
}

// NewRedisCredentialStore connects to redisURL, retrying the initial ping.
func NewRedisCredentialStore(ctx context.Context, redisURL string) (*RedisCredentialStore, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("credential_store.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 200 * time.Millisecond
	exp.Reset()
	_, pingErr := backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	}, backoff.WithBackOff(exp), backoff.WithMaxTries(redisConnectMaxAttempts))
	if pingErr != nil {
		_ = client.Close()
		return nil, fmt.Errorf("credential_store.redis.ping: %w", pingErr)
	}
	return newRedisCredentialStore(client, redisKeyPrefix), nil
}

func newRedisCredentialStore(client *redis.Client, prefix string) *RedisCredentialStore {
	return &RedisCredentialStore{client: client, prefix: prefix, locks: newUserLocks()}
}

func (store *RedisCredentialStore) redisKey(userID string) string {
	return fmt.Sprintf("%s:credential:%s", store.prefix, userID)
}

// Get loads the hash for userID.
func (store *RedisCredentialStore) Get(ctx context.Context, userID string) (CredentialRecord, bool, error) {
	values, err := store.client.HGetAll(ctx, store.redisKey(userID)).Result()
	if err != nil {
		return CredentialRecord{}, false, fmt.Errorf("credential_store.get.redis: %w", err)
	}
	if len(values) == 0 {
		return CredentialRecord{}, false, nil
	}
	return recordFromHash(userID, values), true, nil
}

// UpsertMerge merges update into the stored hash with an optimistic WATCH/MULTI transaction.
func (store *RedisCredentialStore) UpsertMerge(ctx context.Context, userID string, update CredentialRecord) (CredentialRecord, error) {
	if userID == "" {
		return CredentialRecord{}, ErrEmptyUserID
	}
	key := store.redisKey(userID)
	var merged CredentialRecord
	transaction := func(tx *redis.Tx) error {
		values, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		existing := CredentialRecord{}
		if len(values) > 0 {
			existing = recordFromHash(userID, values)
		}
		update.UserID = userID
		merged = existing.Merge(update)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hashFromRecord(merged))
			return nil
		})
		return err
	}
	for attempt := 0; attempt < redisMergeMaxAttempts; attempt++ {
		err := store.client.Watch(ctx, transaction, key)
		if err == nil {
			return merged, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return CredentialRecord{}, fmt.Errorf("credential_store.upsert.redis: %w", err)
	}
	return CredentialRecord{}, fmt.Errorf("credential_store.upsert.redis: %w", redis.TxFailedErr)
}

// Delete removes the hash; deleting an absent key is not an error.
func (store *RedisCredentialStore) Delete(ctx context.Context, userID string) error {
	if err := store.client.Del(ctx, store.redisKey(userID)).Err(); err != nil {
		return fmt.Errorf("credential_store.delete.redis: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the per-user lock of this process.
func (store *RedisCredentialStore) WithLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	return store.locks.withLock(ctx, userID, fn)
}

// Close closes the Redis client.
func (store *RedisCredentialStore) Close() error {
	return store.client.Close()
}

func hashFromRecord(record CredentialRecord) map[string]any {
	expiry := int64(0)
	if !record.Expiry.IsZero() {
		expiry = record.Expiry.UnixMilli()
	}
	return map[string]any{
		"access_token":      record.AccessToken,
		"refresh_token":     record.RefreshToken,
		"expiry_unix_milli": strconv.FormatInt(expiry, 10),
		"scope":             record.Scope,
		"email":             record.Email,
		"name":              record.Name,
		"picture":           record.Picture,
	}
}

func recordFromHash(userID string, values map[string]string) CredentialRecord {
	record := CredentialRecord{
		UserID:       userID,
		AccessToken:  values["access_token"],
		RefreshToken: values["refresh_token"],
		Scope:        values["scope"],
		Email:        values["email"],
		Name:         values["name"],
		Picture:      values["picture"],
	}
	if expiry, err := strconv.ParseInt(values["expiry_unix_milli"], 10, 64); err == nil && expiry != 0 {
		record.Expiry = time.UnixMilli(expiry).UTC()
	}
	return record
}
