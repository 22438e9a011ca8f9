// Package storage provides the durable key-value store backing session
// persistence. Values are opaque strings; interpretation belongs to callers.
package storage

import "errors"

// ErrNotFound is returned by Get when a key has no stored value.
var ErrNotFound = errors.New("key not found")

// KV is a synchronous string key-value store.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) (string, error)

	// Set stores value under key, overwriting any existing value.
	Set(key, value string) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(key string) error

	// Close releases underlying resources.
	Close() error
}
