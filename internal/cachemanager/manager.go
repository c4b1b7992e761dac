// Package cachemanager provides typed TTL caches.
package cachemanager

import (
	"context"
	"time"
)

// CacheManager is a typed key/value cache with per-entry expiry.
type CacheManager[K comparable, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	// Add stores value only if key is absent or expired, and reports
	// whether it did.
	Add(ctx context.Context, key K, value V, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...K)
	Flush(ctx context.Context)
}
