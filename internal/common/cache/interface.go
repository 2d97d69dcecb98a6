package cache

import (
	"context"
	"time"
)

// Cache defines the unified interface for the shared key-value store.
// The webhook token cache, the result status cache and the durable job queue
// all sit on top of it, so tests can swap in a miniredis-backed client.
type Cache interface {
	BasicOps
	HashOps
	ZSetOps
	ListOps
	ScriptOps

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}

// BasicOps defines basic key-value operations
type BasicOps interface {
	// Get retrieves the value for the given key.
	// A missing key returns "" and a nil error.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair with optional TTL
	// If ttl is 0, the key will not expire
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist (atomic operation)
	// Returns true if the key was set, false if it already existed
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// Exists returns the number of given keys that exist
	Exists(ctx context.Context, keys ...string) (int64, error)

	// Expire sets a timeout on a key
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining time to live of a key
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Incr increments the integer value of a key by 1
	Incr(ctx context.Context, key string) (int64, error)
}

// HashOps defines hash (map) operations
type HashOps interface {
	// HGet returns the value associated with field in the hash stored at key
	HGet(ctx context.Context, key, field string) (string, error)

	// HGetAll returns all fields and values of the hash stored at key
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// HMSet sets multiple fields in the hash stored at key
	HMSet(ctx context.Context, key string, fields map[string]interface{}) error
}

// ZSetOps defines sorted set operations
type ZSetOps interface {
	// ZAdd adds one or more members with scores to a sorted set
	ZAdd(ctx context.Context, key string, members ...ZMember) error

	// ZCard returns the number of members in a sorted set
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRevRangeWithScores returns members with scores in descending order
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]ZMember, error)
}

// ListOps defines list operations
type ListOps interface {
	// LRange returns elements from a list by index range
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LLen returns the length of a list
	LLen(ctx context.Context, key string) (int64, error)
}

// ScriptOps runs server-side scripts so that a read and the write depending on
// it happen as one atomic step.
type ScriptOps interface {
	// Eval runs a Lua script. A nil script reply returns (nil, nil).
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// ZMember represents a member in a sorted set with its score
type ZMember struct {
	Score  float64
	Member string
}
