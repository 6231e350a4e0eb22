// Package cache is a small TTL cache for external lookups (usernames,
// market snapshots) so one batch does not repeat the same API call.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the cache.
var ErrNotFound = errors.New("cache: key not found")

// Cache abstracts a key-value cache with TTL support.
// All operations are safe for concurrent use.
type Cache interface {
	// Get returns ErrNotFound if the key does not exist or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value. A zero TTL means the entry does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}

// GetJSON decodes a cached JSON value into dst.
func GetJSON(ctx context.Context, c Cache, key string, dst any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// SetJSON encodes value as JSON and caches it.
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}
