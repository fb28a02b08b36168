// Package kvstore provides the durable local key-value storage that backs the
// voice memory collection and the audio cache.
//
// The [Store] interface is deliberately small: whole-value Get/Put/Delete,
// key listing, and a full Clear. Three implementations are provided:
//
//   - [FileStore] keeps one file per key in a directory and writes atomically.
//   - [RedisStore] keeps values in Redis under a key prefix.
//   - [MemStore] keeps values in memory (tests and ephemeral runs).
//
// All implementations are safe for concurrent use.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by [Store.Get] when no value exists for the key.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a persistent key-value store addressable by string keys.
type Store interface {
	// Get returns the value stored under key. It returns [ErrNotFound] if the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key currently stored, in no particular order.
	Keys(ctx context.Context) ([]string, error)

	// Clear removes every key.
	Clear(ctx context.Context) error
}

// Namespacer is implemented by stores that can hand out isolated sub-stores.
// Keys written to a namespace never collide with keys in the parent or in
// sibling namespaces, and clearing a namespace leaves the others untouched.
type Namespacer interface {
	Namespace(name string) Store
}
