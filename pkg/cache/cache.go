// Package cache provides the key/value cache, the expiring counters and the
// per-key blocking queues the services keep outside process memory.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache miss")

// Cache defines the interface for caching services.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Counter is an expiring integer counter.
type Counter interface {
	// Incr increments key and makes it expire at expireAt. It returns the new value.
	Incr(ctx context.Context, key string, expireAt time.Time) (int64, error)
}

// Queue is a set of FIFO queues addressed by key.
type Queue interface {
	Push(ctx context.Context, key, value string) error
	// Pop blocks up to timeout for the next value. ok is false on timeout.
	Pop(ctx context.Context, key string, timeout time.Duration) (value string, ok bool, err error)
	Drop(ctx context.Context, key string) error
}

// Store is everything a backend implements.
type Store interface {
	Cache
	Counter
	Queue
	Close() error
}
