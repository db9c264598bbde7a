// Package kvstore provides the key-value durability backend used by the
// circuit breaker, the ack-token store, and the crisis session manager.
//
// The core is agnostic to the concrete backend: the in-memory
// implementation is substitutable for Postgres in tests and single-instance
// deployments. A shared backend must honor SetNX's atomic conditional-set
// contract for multi-instance deployments.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// KV is the storage interface consumed by the pipeline core components.
type KV interface {
	// Get returns the value for key, or *ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes key=value. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX writes key=value only if the key does not already exist.
	// Returns true if this call created the key. The check-and-set is
	// atomic: under concurrent calls exactly one observes true.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SAdd adds a member to the set stored at key.
	SAdd(ctx context.Context, key, member string) error

	// SMembers returns all members of the set at key (empty, not error,
	// when the set does not exist).
	SMembers(ctx context.Context, key string) ([]string, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// ErrNotFound is returned when a requested key does not exist.
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsNotFound reports whether err is (or wraps) an ErrNotFound.
func IsNotFound(err error) bool {
	var notFound *ErrNotFound
	return errors.As(err, &notFound)
}
