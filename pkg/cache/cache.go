// Package cache implements the embedding cache (C3, SPEC_FULL.md §4.2):
// a TTL cache keyed by application_id whose values are 512-dim
// embedding vectors, with two interchangeable backings selected at
// startup.
package cache

import (
	"context"
	"time"
)

// Stats reports cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int64
}

// Cache is the embedding cache contract. Implementations: Memory (this
// package) and redis.Cache (pkg/cache/redis).
type Cache interface {
	// Get returns the cached vector for applicationID, or ok=false if
	// absent or expired. Expiry is checked lazily on Get.
	Get(ctx context.Context, applicationID string) (vector []float32, ok bool)
	// Set stores vector for applicationID with the given ttl. A ttl of
	// zero uses the cache's configured default.
	Set(ctx context.Context, applicationID string, vector []float32, ttl time.Duration)
	// Delete removes applicationID's entry, if any.
	Delete(ctx context.Context, applicationID string)
	// Clear removes all entries.
	Clear(ctx context.Context)
	// Stats reports current hit/miss/eviction/size counters.
	Stats() Stats
}
