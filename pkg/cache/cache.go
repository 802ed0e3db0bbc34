// Package cache provides a generic, thread-safe TTL cache with a size cap.
//
// Entries carry their write timestamp; an entry older than the configured
// TTL is treated as absent on read. Expired entries are also removed by a
// periodic background sweep, and when the entry count exceeds the cap the
// oldest-by-write-time entries are evicted first.
//
// Statistics are always collected; Prometheus metrics are optional and
// enabled via functional options.
package cache

import (
	"time"

	"github.com/139QQ/fundstream/errors"
)

// EvictCallback is called when an entry is evicted from the cache.
// It receives the key and value of the evicted entry.
type EvictCallback[V any] func(key string, value V)

// Entry is a read-only snapshot of a cached entry with its metadata.
type Entry[V any] struct {
	Key       string
	Value     V
	WrittenAt time.Time
}

// validateKey validates a cache key for basic requirements.
// Returns a classified error if the key is invalid.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
