package scheduler

import (
	"context"
	"time"
)

// LoaderFactory builds a loader for one preload key.
type LoaderFactory func(key string) LoaderFunc

// PreloadResult summarizes a batch warm-up.
type PreloadResult struct {
	Requested []string `json:"requested"`
	Loaded    []string `json:"loaded"`
	Pending   []string `json:"pending"`
	Complete  bool     `json:"complete"`
	Elapsed   string   `json:"elapsed"`
}

// Preload warms the cache for a batch of keys at low priority, forcing a
// reload of each. It polls until every key is loaded or the wait ceiling
// expires, so a slow upstream cannot block the caller indefinitely.
func (s *Scheduler) Preload(ctx context.Context, keys []string, factory LoaderFactory) PreloadResult {
	start := time.Now()

	for _, key := range keys {
		if _, err := s.Submit(ctx, key, factory(key), PriorityLow, WithForceReload()); err != nil {
			s.logger.Warn("preload submit failed", "key", key, "error", err)
		}
	}

	deadline := time.Now().Add(s.preloadMaxWait)
	ticker := time.NewTicker(s.preloadPoll)
	defer ticker.Stop()

	for {
		if s.allLoaded(keys) {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return s.preloadResult(keys, start)
		case <-ticker.C:
		}
	}
	return s.preloadResult(keys, start)
}

func (s *Scheduler) allLoaded(keys []string) bool {
	for _, key := range keys {
		if !s.IsLoaded(key) {
			return false
		}
	}
	return true
}

func (s *Scheduler) preloadResult(keys []string, start time.Time) PreloadResult {
	loaded := make([]string, 0, len(keys))
	pending := make([]string, 0)
	for _, key := range keys {
		if s.IsLoaded(key) {
			loaded = append(loaded, key)
		} else {
			pending = append(pending, key)
		}
	}

	result := PreloadResult{
		Requested: keys,
		Loaded:    loaded,
		Pending:   pending,
		Complete:  len(pending) == 0,
		Elapsed:   time.Since(start).String(),
	}

	s.logger.Info("preload finished",
		"requested", len(keys),
		"loaded", len(loaded),
		"complete", result.Complete,
		"elapsed", result.Elapsed)
	return result
}
