package broker

import (
	"context"
	"net/url"
	"strings"
)

// OpenCredentialStore selects a backend from databaseURL: empty for memory, redis:// or rediss://
// for Redis, and any GORM-supported scheme otherwise. The returned close function is never nil.
func OpenCredentialStore(ctx context.Context, databaseURL string) (CredentialStore, string, func() error, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryCredentialStore(), "memory", func() error { return nil }, nil
	}
	if parsed, parseErr := url.Parse(databaseURL); parseErr == nil {
		switch strings.ToLower(parsed.Scheme) {
		case "redis", "rediss":
			redisStore, err := NewRedisCredentialStore(ctx, databaseURL)
			if err != nil {
				return nil, "", nil, err
			}
			return redisStore, "redis", redisStore.Close, nil
		}
	}
	databaseStore, err := NewDatabaseCredentialStore(ctx, databaseURL)
	if err != nil {
		return nil, "", nil, err
	}
	return databaseStore, databaseStore.Driver(), databaseStore.Close, nil
}
