// Package cache holds responses of remote metadata services. It never holds
// dataset rows: those are only read from the cache store.
package cache

import (
	"context"
	"io"
	"time"
)

type Backend interface {
	// Get returns the value stored under key. ok is false when the key is
	// missing or expired.
	Get(ctx context.Context, key string) (v []byte, ok bool)

	// Store saves a copy of v for ttl. A non-positive ttl is a no-op.
	Store(ctx context.Context, key string, v []byte, ttl time.Duration)

	Len() int

	io.Closer
}
