package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/139QQ/fundstream/errors"
)

// storeEntry is the internal representation of a cached value.
type storeEntry[V any] struct {
	key       string
	value     V
	writtenAt time.Time
}

// isExpired reports whether the entry is older than ttl.
func (e *storeEntry[V]) isExpired(ttl time.Duration) bool {
	return time.Since(e.writtenAt) >= ttl
}

// Store is a thread-safe TTL cache with a size cap.
//
// Reads treat entries at or past their TTL as absent. A background sweep
// removes expired entries periodically, and writes beyond the cap evict
// the oldest-by-write-time entries first.
type Store[V any] struct {
	mu            sync.RWMutex
	ttl           time.Duration
	sweepInterval time.Duration
	maxEntries    int
	items         map[string]*list.Element
	order         *list.List // write order: front = oldest, back = newest

	stats   *Statistics      // always initialized
	metrics *cacheMetrics    // optional, if metrics enabled
	evictFn EvictCallback[V] // optional callback

	// Background sweep coordination
	shutdown chan struct{}
	done     chan struct{}
}

// NewStore creates a Store with the given TTL, sweep interval, and entry cap.
// maxEntries <= 0 disables size-based eviction. The background sweep stops
// when ctx is cancelled or Close is called.
func NewStore[V any](
	ctx context.Context, ttl, sweepInterval time.Duration, maxEntries int, opts ...Option[V],
) (*Store[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewStore", "ttl must be positive")
	}
	if sweepInterval <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewStore", "sweep interval must be positive")
	}

	options := applyOptions(opts...)

	var metrics *cacheMetrics
	if options.metricsReg != nil && options.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(options.metricsReg, options.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewStore", "metrics registration")
		}
	}

	s := &Store[V]{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		maxEntries:    maxEntries,
		items:         make(map[string]*list.Element),
		order:         list.New(),
		stats:         NewStatistics(),
		metrics:       metrics,
		evictFn:       options.evictCallback,
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go s.sweep(ctx)

	return s, nil
}

// Get retrieves a value by key. Entries at or past their TTL are treated
// as absent and removed.
func (s *Store[V]) Get(key string) (V, bool) {
	entry, ok := s.GetEntry(key)
	return entry.Value, ok
}

// GetEntry retrieves a value with its write timestamp.
func (s *Store[V]) GetEntry(key string) (Entry[V], bool) {
	s.mu.RLock()
	element, exists := s.items[key]
	var entry *storeEntry[V]
	if exists {
		entry = element.Value.(*storeEntry[V])
	}
	s.mu.RUnlock()

	if !exists {
		s.recordMiss()
		return Entry[V]{}, false
	}

	if entry.isExpired(s.ttl) {
		s.mu.Lock()
		// Re-check under write lock: a concurrent Set may have refreshed it
		if element, still := s.items[key]; still {
			current := element.Value.(*storeEntry[V])
			if current.isExpired(s.ttl) {
				s.order.Remove(element)
				delete(s.items, key)
				if s.evictFn != nil {
					defer s.evictFn(current.key, current.value)
				}
				s.stats.Eviction()
				s.stats.UpdateSize(int64(len(s.items)))
				if s.metrics != nil {
					s.metrics.recordEviction()
					s.metrics.updateSize(len(s.items))
				}
			}
		}
		s.mu.Unlock()

		s.recordMiss()
		return Entry[V]{}, false
	}

	s.stats.Hit()
	if s.metrics != nil {
		s.metrics.recordHit()
	}

	return Entry[V]{Key: entry.key, Value: entry.value, WrittenAt: entry.writtenAt}, true
}

// Set stores a value, overwriting any existing entry and refreshing its
// write timestamp. Returns true if a new entry was created.
func (s *Store[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	var evicted []*storeEntry[V]

	entry := &storeEntry[V]{key: key, value: value, writtenAt: time.Now()}

	s.mu.Lock()
	element, exists := s.items[key]
	if exists {
		// Published entries are never mutated: readers may hold a pointer
		// after releasing the lock, so overwrites install a fresh entry.
		element.Value = entry
		s.order.MoveToBack(element)
	} else {
		s.items[key] = s.order.PushBack(entry)
	}

	// Size-based eviction: oldest write first
	if s.maxEntries > 0 {
		for len(s.items) > s.maxEntries {
			front := s.order.Front()
			if front == nil {
				break
			}
			oldest := front.Value.(*storeEntry[V])
			s.order.Remove(front)
			delete(s.items, oldest.key)
			evicted = append(evicted, oldest)
		}
	}
	size := len(s.items)
	s.mu.Unlock()

	// Callbacks run outside the lock
	if s.evictFn != nil {
		for _, e := range evicted {
			s.evictFn(e.key, e.value)
		}
	}

	s.stats.Set()
	for range evicted {
		s.stats.Eviction()
	}
	s.stats.UpdateSize(int64(size))
	if s.metrics != nil {
		s.metrics.recordSet()
		for range evicted {
			s.metrics.recordEviction()
		}
		s.metrics.updateSize(size)
	}

	return !exists, nil
}

// Delete removes an entry by key. Returns true if the key existed.
func (s *Store[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.Lock()
	element, exists := s.items[key]
	var entry *storeEntry[V]
	if exists {
		entry = element.Value.(*storeEntry[V])
		s.order.Remove(element)
		delete(s.items, key)
	}
	size := len(s.items)
	s.mu.Unlock()

	if exists {
		if s.evictFn != nil {
			s.evictFn(entry.key, entry.value)
		}
		s.stats.Delete()
		s.stats.UpdateSize(int64(size))
		if s.metrics != nil {
			s.metrics.recordDelete()
			s.metrics.updateSize(size)
		}
	}

	return exists, nil
}

// Clear removes all entries from the cache.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	var entries []*storeEntry[V]
	if s.evictFn != nil {
		entries = make([]*storeEntry[V], 0, len(s.items))
		for _, element := range s.items {
			entries = append(entries, element.Value.(*storeEntry[V]))
		}
	}
	s.items = make(map[string]*list.Element)
	s.order.Init()
	s.mu.Unlock()

	if s.evictFn != nil {
		for _, e := range entries {
			s.evictFn(e.key, e.value)
		}
	}

	s.stats.UpdateSize(0)
	if s.metrics != nil {
		s.metrics.updateSize(0)
	}
}

// Size returns the current number of entries, including any expired
// entries that have not been swept yet.
func (s *Store[V]) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Keys returns all keys with unexpired entries.
func (s *Store[V]) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.items))
	for key, element := range s.items {
		if !element.Value.(*storeEntry[V]).isExpired(s.ttl) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (s *Store[V]) Stats() *Statistics {
	return s.stats
}

// Close stops the background sweep goroutine.
func (s *Store[V]) Close() error {
	select {
	case <-s.shutdown:
		// Already shutting down
	default:
		close(s.shutdown)
	}

	select {
	case <-s.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for sweep goroutine to finish")
	}
}

// sweep runs in a background goroutine and periodically removes expired entries.
func (s *Store[V]) sweep(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.removeExpired()
		}
	}
}

// removeExpired removes all expired entries from the cache.
func (s *Store[V]) removeExpired() {
	var expired []*storeEntry[V]

	s.mu.Lock()
	for key, element := range s.items {
		entry := element.Value.(*storeEntry[V])
		if entry.isExpired(s.ttl) {
			s.order.Remove(element)
			delete(s.items, key)
			expired = append(expired, entry)
		}
	}
	size := len(s.items)
	s.mu.Unlock()

	if s.evictFn != nil {
		for _, e := range expired {
			s.evictFn(e.key, e.value)
		}
	}

	if len(expired) > 0 {
		for range expired {
			s.stats.Eviction()
		}
		s.stats.UpdateSize(int64(size))
		if s.metrics != nil {
			for range expired {
				s.metrics.recordEviction()
			}
			s.metrics.updateSize(size)
		}
	}
}

// recordMiss tracks a miss in stats and metrics.
func (s *Store[V]) recordMiss() {
	s.stats.Miss()
	if s.metrics != nil {
		s.metrics.recordMiss()
	}
}
