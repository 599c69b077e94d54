// Package kv exposes the minimal key-value surface the gateway core needs.
//
// The core (sessions, connection tickets, rate limits) never imports a
// concrete driver — cmd/server creates the go-redis adapter and injects it.
// Tests inject the in-memory store.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: key not found")

// TransientError wraps a backend failure the caller may retry.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("kv: transient failure in %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// IsTransient reports whether err is a retryable backend failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Store is the gateway's view of the shared key-value backend. All TTLs are
// absolute durations. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value at key, ErrNotFound when absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// SetWithTTL writes value at key with the given time-to-live.
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Del removes keys. Returns the number of keys that existed.
	Del(ctx context.Context, keys ...string) (int, error)

	// GetDel atomically reads and deletes key. ErrNotFound when absent.
	// This is the single-use redemption primitive for connection tickets.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// IncrWithExpiry atomically increments the counter at key and, if the
	// key did not exist before the increment, sets its expiry to ttl.
	// Returns the post-increment count.
	IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key. Empty slice when the
	// set does not exist.
	SMembers(ctx context.Context, key string) ([]string, error)

	// MGet returns the values for keys in order; missing entries are nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// PExpire resets the time-to-live of key. Returns false when the key
	// does not exist.
	PExpire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining time-to-live of key, ErrNotFound when the
	// key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys returns all keys matching the glob pattern. Admin views only —
	// never on a request path.
	Keys(ctx context.Context, pattern string) ([]string, error)
}
