// Package storage provides the uniform key/value data plane underneath the
// session store, token vault, and approval store.
//
// Two backends are provided: an in-memory map with TTL cleanup (development,
// testing, single-node) and a Redis-compatible backend (distributed
// deployments). Callers select one via the factory and program against the
// Backend interface only.
package storage

import (
	"context"
	"time"
)

// SetOptions controls conditional writes and expiry for Set.
type SetOptions struct {
	// TTL is the time-to-live for the key. Zero means no expiry.
	TTL time.Duration

	// IfNotExists makes the write succeed only when the key is absent.
	IfNotExists bool

	// IfExists makes the write succeed only when the key is present.
	IfExists bool
}

// Backend is the uniform key/value contract all persistence in the core uses.
//
// A nil value from Get is not an error: absence and expiry both read as nil.
// Network and transport failures surface as typed storage_connection errors.
// All operations except IncrBy are idempotent on retry.
type Backend interface {
	// Get returns the value stored under key, or nil if the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// GetEx returns the value stored under key and atomically extends its TTL
	// in the same round trip where the backend supports it. A zero ttl leaves
	// the expiry untouched.
	GetEx(ctx context.Context, key string, ttl time.Duration) ([]byte, error)

	// Set stores value under key, honoring the conditional flags in opts.
	// It returns false when a conditional write did not apply.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) (bool, error)

	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets the TTL for key, reporting whether the key existed.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the remaining TTL for key. ok is false when the key is
	// absent or has no expiry.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// IncrBy atomically adds delta to the integer stored at key (treating an
	// absent key as zero) and returns the new value. Not idempotent on retry.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)

	// MGet returns the values for keys in order; absent keys read as nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)

	// MDelete removes the given keys and returns how many existed.
	MDelete(ctx context.Context, keys ...string) (int64, error)

	// Scan streams keys matching a Redis-style glob pattern to fn in
	// unspecified order. Returning false from fn stops the scan.
	Scan(ctx context.Context, pattern string, fn func(key string) bool) error

	// Close releases backend resources.
	Close() error
}

// PubSub is the optional publish/subscribe capability. Delivery is best-effort:
// correctness must never rest on a message arriving. Backends that cannot
// provide it simply do not implement PubSubProvider.
type PubSub interface {
	// Publish sends msg on channel and returns the number of subscribers that
	// received it (best effort; emulated backends may return 0).
	Publish(ctx context.Context, channel string, msg []byte) (int64, error)

	// Subscribe registers handler for messages on channel and returns an
	// unsubscribe function. The handler is invoked at most once per published
	// message per subscriber.
	Subscribe(ctx context.Context, channel string, handler func(msg []byte)) (func(), error)
}

// PubSubProvider is implemented by backends that advertise pub/sub.
type PubSubProvider interface {
	PubSub() PubSub
}

// Incr atomically increments the integer at key by one.
func Incr(ctx context.Context, b Backend, key string) (int64, error) {
	return b.IncrBy(ctx, key, 1)
}

// Decr atomically decrements the integer at key by one.
func Decr(ctx context.Context, b Backend, key string) (int64, error) {
	return b.IncrBy(ctx, key, -1)
}
