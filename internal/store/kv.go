// Package store holds the two storage backends behind the state façade:
// a durable key/value store (Redis, DynamoDB, Postgres or in-memory
// drivers wrapped by Durable) and a local JSON file store (FileStore).
// Both are dumb blob stores; the document shape belongs to package state.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by KV drivers when a key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrDisabled is returned by a Durable backend that was never connected.
var ErrDisabled = errors.New("store: backend disabled")

// KV is the driver contract for durable key/value backends.
// Implementations must be safe for concurrent use.
type KV interface {
	// Get returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set overwrites the value unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	Delete(ctx context.Context, key string) error

	// Scan returns every key starting with prefix, paginating internally
	// until the backend is exhausted.
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)

	// SetNX stores value only if key is absent or its previous SetNX ttl
	// has elapsed. It reports whether the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Ping(ctx context.Context) error
	Close() error
}
