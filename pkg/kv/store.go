// Package kv defines the key-value store abstraction used for session
// persistence. Implementations must be safe for concurrent use; the core
// assumes only per-key atomicity for single operations and never multi-key
// transactions.
//
// Two backends ship with wallbounce: an in-memory store (package
// [github.com/wallbounce/wallbounce/pkg/kv/inmem]) used as the default and in
// tests, and a Redis store (package
// [github.com/wallbounce/wallbounce/pkg/kv/redis]) for durable sessions.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is the minimal key-value surface the core depends on: byte values
// with TTLs plus a string-set type used to index sessions per user.
type Store interface {
	// Get returns the value stored under key, or [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// SetAdd adds member to the string set stored under setKey.
	SetAdd(ctx context.Context, setKey, member string) error

	// SetMembers returns all members of the set under setKey. An absent set
	// yields an empty slice, not an error.
	SetMembers(ctx context.Context, setKey string) ([]string, error)

	// SetRemove removes member from the set under setKey. Removing an
	// absent member is not an error.
	SetRemove(ctx context.Context, setKey, member string) error

	// Ping verifies the backend is reachable. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
