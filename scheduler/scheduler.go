package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/errors"
	"github.com/139QQ/fundstream/metric"
	"github.com/139QQ/fundstream/pkg/cache"
)

// SubmitResult tells the caller what happened to a submission.
type SubmitResult string

const (
	// SubmitCached means a fresh cache entry was delivered synchronously;
	// no task was created.
	SubmitCached SubmitResult = "cached"
	// SubmitExisting means a task for the key is already queued or active.
	SubmitExisting SubmitResult = "existing"
	// SubmitQueued means a new task was enqueued.
	SubmitQueued SubmitResult = "queued"
)

// LoadFunc observes successful loads.
type LoadFunc func(key string, value any)

// ErrorFunc observes failed loads.
type ErrorFunc func(key string, err error)

// QueueEmptyFunc fires when both the queue and the active set drain.
type QueueEmptyFunc func()

// QueueStatus is a snapshot of scheduler occupancy.
type QueueStatus struct {
	Queued     int      `json:"queued"`
	Active     int      `json:"active"`
	QueuedKeys []string `json:"queued_keys"`
	ActiveKeys []string `json:"active_keys"`
	CacheSize  int      `json:"cache_size"`
}

// SubmitOption configures one submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	forceReload bool
	metadata    map[string]any
}

// WithForceReload bypasses the cache check so the loader always runs.
func WithForceReload() SubmitOption {
	return func(o *submitOptions) {
		o.forceReload = true
	}
}

// WithMetadata attaches caller metadata to the task.
func WithMetadata(md map[string]any) SubmitOption {
	return func(o *submitOptions) {
		o.metadata = md
	}
}

// Scheduler bounds concurrent loader work, prioritizes it, deduplicates
// it by key, and caches results with expiry.
type Scheduler struct {
	maxConcurrent int

	cache  *cache.Store[any]
	logger *slog.Logger

	// mu serializes every queue/active-set mutation; the per-key
	// at-most-one-task invariant depends on it.
	mu      sync.Mutex
	queue   *pendingQueue
	active  map[string]*Task
	closed  bool
	drainWG sync.WaitGroup

	callbackMu     sync.RWMutex
	loadCallbacks  map[string]LoadFunc
	errorCallbacks map[string]ErrorFunc
	emptyCallbacks map[string]QueueEmptyFunc

	preloadMaxWait time.Duration
	preloadPoll    time.Duration

	metrics *metric.Metrics
}

// Option configures a Scheduler.
type Option func(*schedOptions)

type schedOptions struct {
	coreMetrics *metric.Metrics
	registry    *metric.MetricsRegistry
}

// WithMetrics enables scheduler counters and gauges.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *schedOptions) {
		o.coreMetrics = m
	}
}

// WithMetricsRegistry enables scheduler metrics plus cache hit/miss
// instrumentation on the backing store.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(o *schedOptions) {
		o.registry = r
		if r != nil {
			o.coreMetrics = r.CoreMetrics()
		}
	}
}

// NewScheduler builds a Scheduler with its backing TTL cache. The context
// bounds the cache's background sweep.
func NewScheduler(
	ctx context.Context, cfg config.SchedulerConfig, logger *slog.Logger, opts ...Option,
) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var o schedOptions
	for _, opt := range opts {
		opt(&o)
	}

	var cacheOpts []cache.Option[any]
	if o.registry != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[any](o.registry, "scheduler"))
	}

	store, err := cache.NewStore[any](
		ctx, cfg.CacheTTL.Std(), cfg.CacheSweep.Std(), cfg.CacheMaxEntries, cacheOpts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Scheduler", "NewScheduler", "cache")
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	s := &Scheduler{
		maxConcurrent:  maxConcurrent,
		cache:          store,
		logger:         logger.With("component", "scheduler"),
		queue:          newPendingQueue(),
		active:         make(map[string]*Task),
		loadCallbacks:  make(map[string]LoadFunc),
		errorCallbacks: make(map[string]ErrorFunc),
		emptyCallbacks: make(map[string]QueueEmptyFunc),
		preloadMaxWait: cfg.PreloadMaxWait.Std(),
		preloadPoll:    cfg.PreloadPoll.Std(),
		metrics:        o.coreMetrics,
	}
	return s, nil
}

// Close stops accepting work, waits for active tasks, and closes the cache.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrShuttingDown, "Scheduler", "Close", "lifecycle")
	}
	s.closed = true
	for {
		t := s.queue.pop()
		if t == nil {
			break
		}
	}
	s.mu.Unlock()

	s.drainWG.Wait()
	return s.cache.Close()
}

// Submit requests data for a key. A fresh cache entry (unless forced) is
// delivered synchronously; a duplicate key is coalesced onto the pending
// task; otherwise the task is queued and the drain loop picks it up.
func (s *Scheduler) Submit(
	ctx context.Context, key string, loader LoaderFunc, priority Priority, opts ...SubmitOption,
) (SubmitResult, error) {
	if key == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Scheduler", "Submit",
			"task key cannot be empty")
	}
	if loader == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "Scheduler", "Submit",
			"loader cannot be nil")
	}

	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	if !o.forceReload {
		if value, ok := s.cache.Get(key); ok {
			s.notifyLoad(key, value)
			s.recordSubmit(priority, SubmitCached)
			return SubmitCached, nil
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.WrapInvalid(errors.ErrShuttingDown, "Scheduler", "Submit", key)
	}
	if _, isActive := s.active[key]; isActive || s.queue.contains(key) {
		s.mu.Unlock()
		s.recordSubmit(priority, SubmitExisting)
		return SubmitExisting, nil
	}

	task := newTask(key, loader, priority, o.metadata)
	s.queue.push(task)
	s.updateOccupancyMetrics()
	s.mu.Unlock()

	s.logger.Debug("task queued", "key", key, "priority", priority.String())
	s.recordSubmit(priority, SubmitQueued)

	s.drain(ctx)
	return SubmitQueued, nil
}

// Cancel removes a key's task from the queue or marks the active task
// cancelled so its result is discarded on delivery. Reports whether a
// task was found.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.queue.remove(key); t != nil {
		s.updateOccupancyMetrics()
		return true
	}
	if t, ok := s.active[key]; ok {
		t.cancelled = true
		return true
	}
	return false
}

// drain moves tasks from the queue into the active set until the
// concurrency budget is spent, running each asynchronously.
func (s *Scheduler) drain(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.closed || len(s.active) >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		task := s.queue.pop()
		if task == nil {
			queueEmpty := len(s.active) == 0
			s.mu.Unlock()
			if queueEmpty {
				s.notifyQueueEmpty()
			}
			return
		}
		s.active[task.Key] = task
		s.updateOccupancyMetrics()
		s.drainWG.Add(1)
		s.mu.Unlock()

		go s.run(ctx, task)
	}
}

// run executes one task and re-invokes drain when it finishes.
func (s *Scheduler) run(ctx context.Context, task *Task) {
	defer s.drainWG.Done()

	value, err := task.loader(ctx)

	s.mu.Lock()
	delete(s.active, task.Key)
	cancelled := task.cancelled
	s.updateOccupancyMetrics()
	s.mu.Unlock()

	switch {
	case cancelled:
		// Result discarded; the key was cancelled mid-flight
		s.recordComplete("cancelled")
	case err != nil:
		s.logger.Warn("task failed", "key", task.Key, "error", err)
		s.recordComplete("error")
		if s.metrics != nil {
			s.metrics.RecordError("scheduler", errors.Classify(err).String())
		}
		s.notifyError(task.Key, err)
	default:
		if _, setErr := s.cache.Set(task.Key, value); setErr != nil {
			s.logger.Warn("cache write failed", "key", task.Key, "error", setErr)
		}
		s.recordComplete("success")
		s.notifyLoad(task.Key, value)
	}

	s.drain(ctx)
}

// CachedData returns the cached payload for a key, if fresh.
func (s *Scheduler) CachedData(key string) (any, bool) {
	return s.cache.Get(key)
}

// IsLoaded reports whether a fresh cache entry exists for the key.
func (s *Scheduler) IsLoaded(key string) bool {
	_, ok := s.cache.Get(key)
	return ok
}

// LoadingStatus reports where a key sits in its lifecycle.
func (s *Scheduler) LoadingStatus(key string) TaskState {
	s.mu.Lock()
	_, isActive := s.active[key]
	isQueued := s.queue.contains(key)
	s.mu.Unlock()

	switch {
	case isActive:
		return StateLoading
	case isQueued:
		return StateQueued
	case s.IsLoaded(key):
		return StateLoaded
	default:
		return StateNotLoaded
	}
}

// QueueStatus snapshots current occupancy.
func (s *Scheduler) QueueStatus() QueueStatus {
	s.mu.Lock()
	queuedKeys := s.queue.keys()
	activeKeys := make([]string, 0, len(s.active))
	for k := range s.active {
		activeKeys = append(activeKeys, k)
	}
	s.mu.Unlock()

	return QueueStatus{
		Queued:     len(queuedKeys),
		Active:     len(activeKeys),
		QueuedKeys: queuedKeys,
		ActiveKeys: activeKeys,
		CacheSize:  s.cache.Size(),
	}
}

// CacheStats exposes the backing cache's statistics.
func (s *Scheduler) CacheStats() *cache.Statistics {
	return s.cache.Stats()
}

// OnLoad registers a load callback; the returned id unsubscribes it.
func (s *Scheduler) OnLoad(fn LoadFunc) string {
	id := uuid.NewString()
	s.callbackMu.Lock()
	s.loadCallbacks[id] = fn
	s.callbackMu.Unlock()
	return id
}

// OnError registers an error callback.
func (s *Scheduler) OnError(fn ErrorFunc) string {
	id := uuid.NewString()
	s.callbackMu.Lock()
	s.errorCallbacks[id] = fn
	s.callbackMu.Unlock()
	return id
}

// OnQueueEmpty registers a queue-empty callback.
func (s *Scheduler) OnQueueEmpty(fn QueueEmptyFunc) string {
	id := uuid.NewString()
	s.callbackMu.Lock()
	s.emptyCallbacks[id] = fn
	s.callbackMu.Unlock()
	return id
}

// Unsubscribe removes a callback registered by OnLoad, OnError, or
// OnQueueEmpty.
func (s *Scheduler) Unsubscribe(id string) {
	s.callbackMu.Lock()
	delete(s.loadCallbacks, id)
	delete(s.errorCallbacks, id)
	delete(s.emptyCallbacks, id)
	s.callbackMu.Unlock()
}

func (s *Scheduler) notifyLoad(key string, value any) {
	s.callbackMu.RLock()
	callbacks := make([]LoadFunc, 0, len(s.loadCallbacks))
	for _, fn := range s.loadCallbacks {
		callbacks = append(callbacks, fn)
	}
	s.callbackMu.RUnlock()

	for _, fn := range callbacks {
		fn(key, value)
	}
}

func (s *Scheduler) notifyError(key string, err error) {
	s.callbackMu.RLock()
	callbacks := make([]ErrorFunc, 0, len(s.errorCallbacks))
	for _, fn := range s.errorCallbacks {
		callbacks = append(callbacks, fn)
	}
	s.callbackMu.RUnlock()

	for _, fn := range callbacks {
		fn(key, err)
	}
}

func (s *Scheduler) notifyQueueEmpty() {
	s.callbackMu.RLock()
	callbacks := make([]QueueEmptyFunc, 0, len(s.emptyCallbacks))
	for _, fn := range s.emptyCallbacks {
		callbacks = append(callbacks, fn)
	}
	s.callbackMu.RUnlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (s *Scheduler) recordSubmit(priority Priority, result SubmitResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.TasksSubmitted.WithLabelValues(priority.String(), string(result)).Inc()
}

func (s *Scheduler) recordComplete(status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.TasksCompleted.WithLabelValues(status).Inc()
}

// updateOccupancyMetrics refreshes queue gauges. Caller holds s.mu.
func (s *Scheduler) updateOccupancyMetrics() {
	if s.metrics == nil {
		return
	}
	s.metrics.QueueDepth.Set(float64(s.queue.Len()))
	s.metrics.ActiveTasks.Set(float64(len(s.active)))
}
