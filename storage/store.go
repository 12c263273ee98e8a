// Package storage provides the key-value persistence shared by the console
// client's security components.
//
// Backends implement Store. Components never talk to a backend directly: they
// go through an Adapter, which is bound to exactly one backend when the
// process starts and never re-probes.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or its max-age has elapsed.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable is returned by a backend that cannot currently serve requests.
	ErrUnavailable = errors.New("storage backend unavailable")
)

// Store is a string key-value store with optional per-key expiry.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)
	// Set stores value under key. A maxAge of zero means the value never
	// expires on its own.
	Set(key, value string, maxAge time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error
}

// KV is the view of storage that security components depend on. Failures are
// absorbed by the implementation: a value that cannot be read is reported as
// absent and a write that fails is dropped.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string, maxAge time.Duration)
	Remove(key string)
}
