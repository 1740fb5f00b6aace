package cache

import (
	"context"
	"fmt"
	"time"
)

// Store is the backing KV abstraction used by the context, evidence,
// and audit components. Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves a raw value by key
	Get(ctx context.Context, key string) (string, error)

	// Set stores a value with optional TTL (zero means no expiry)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// Delete removes one or more keys
	Delete(ctx context.Context, keys ...string) error

	// Exists checks if a key exists
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX sets a value only if the key doesn't exist (atomic)
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// GetJSON retrieves and unmarshals JSON data
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetJSON marshals and stores JSON data
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SAdd adds members to a set (used for secondary indexes)
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from a set
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of a set
	SMembers(ctx context.Context, key string) ([]string, error)

	// Expire sets TTL on an existing key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Scan iterates keys matching a glob pattern
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Close closes the store connection
	Close() error
}

// ErrKeyNotFound is returned when a key is absent from the store.
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return fmt.Sprintf("cache key not found: %s", e.Key)
}
