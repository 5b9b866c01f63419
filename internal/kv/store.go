// Package kv provides durable key-value storage backends for device-local state.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("kv: key not found")

// Store persists opaque JSON blobs under fixed string keys. The offline
// capture queue and mobile settings both round-trip through a Store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
