package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/errors"
	"github.com/139QQ/fundstream/metric"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxConcurrent:   3,
		CacheTTL:        config.Duration(30 * time.Minute),
		CacheSweep:      config.Duration(5 * time.Minute),
		CacheMaxEntries: 100,
		PreloadMaxWait:  config.Duration(2 * time.Second),
		PreloadPoll:     config.Duration(10 * time.Millisecond),
	}
}

func newTestScheduler(t *testing.T, cfg config.SchedulerConfig) *Scheduler {
	t.Helper()
	s, err := NewScheduler(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func staticLoader(value any) LoaderFunc {
	return func(ctx context.Context) (any, error) {
		return value, nil
	}
}

func TestSubmitLoadsAndCaches(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	var loadedKey atomic.Value
	id := s.OnLoad(func(key string, value any) {
		loadedKey.Store(key)
	})
	defer s.Unsubscribe(id)

	result, err := s.Submit(context.Background(), "fund_list", staticLoader("payload"), PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, SubmitQueued, result)

	waitFor(t, time.Second, func() bool { return s.IsLoaded("fund_list") })

	value, ok := s.CachedData("fund_list")
	require.True(t, ok)
	assert.Equal(t, "payload", value)
	assert.Equal(t, "fund_list", loadedKey.Load())
	assert.Equal(t, StateLoaded, s.LoadingStatus("fund_list"))
}

func TestSubmitServesCacheSynchronously(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	_, err := s.Submit(context.Background(), "k", staticLoader("v1"), PriorityNormal)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.IsLoaded("k") })

	var delivered atomic.Value
	id := s.OnLoad(func(key string, value any) {
		delivered.Store(value)
	})
	defer s.Unsubscribe(id)

	var loaderRan atomic.Bool
	result, err := s.Submit(context.Background(), "k", func(ctx context.Context) (any, error) {
		loaderRan.Store(true)
		return "v2", nil
	}, PriorityNormal)
	require.NoError(t, err)

	// Cached delivery is synchronous: no waiting needed
	assert.Equal(t, SubmitCached, result)
	assert.Equal(t, "v1", delivered.Load())
	assert.False(t, loaderRan.Load())
}

func TestSubmitDeduplicatesInFlightKeys(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	var executions atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		executions.Add(1)
		<-release
		return "done", nil
	}

	first, err := s.Submit(context.Background(), "dup", loader, PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, SubmitQueued, first)

	waitFor(t, time.Second, func() bool { return s.LoadingStatus("dup") == StateLoading })

	second, err := s.Submit(context.Background(), "dup", loader, PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, SubmitExisting, second)

	close(release)
	waitFor(t, time.Second, func() bool { return s.IsLoaded("dup") })
	assert.Equal(t, int32(1), executions.Load())
}

func TestConcurrencyBound(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxConcurrent = 2
	s := newTestScheduler(t, cfg)

	var running, peak atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return "x", nil
	}

	for i := 0; i < 5; i++ {
		_, err := s.Submit(context.Background(), fmt.Sprintf("k%d", i), loader, PriorityNormal)
		require.NoError(t, err)
	}

	waitFor(t, time.Second, func() bool { return running.Load() == 2 })
	assert.Equal(t, 3, s.QueueStatus().Queued)

	close(release)
	waitFor(t, time.Second, func() bool {
		status := s.QueueStatus()
		return status.Queued == 0 && status.Active == 0
	})
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPriorityOrdering(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxConcurrent = 1
	s := newTestScheduler(t, cfg)

	var mu sync.Mutex
	var order []string
	record := func(key string) LoaderFunc {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return key, nil
		}
	}

	// Occupy the single slot so subsequent submissions queue up
	gate := make(chan struct{})
	_, err := s.Submit(context.Background(), "gate", func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, PriorityCritical)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.LoadingStatus("gate") == StateLoading })

	_, _ = s.Submit(context.Background(), "low", record("low"), PriorityLow)
	_, _ = s.Submit(context.Background(), "normal", record("normal"), PriorityNormal)
	_, _ = s.Submit(context.Background(), "critical", record("critical"), PriorityCritical)
	_, _ = s.Submit(context.Background(), "high", record("high"), PriorityHigh)

	close(gate)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestSamePriorityDrainsOldestFirst(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxConcurrent = 1
	s := newTestScheduler(t, cfg)

	var mu sync.Mutex
	var order []string
	record := func(key string) LoaderFunc {
		return func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			return key, nil
		}
	}

	gate := make(chan struct{})
	_, err := s.Submit(context.Background(), "gate", func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, PriorityCritical)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.LoadingStatus("gate") == StateLoading })

	for _, key := range []string{"first", "second", "third"} {
		_, _ = s.Submit(context.Background(), key, record(key), PriorityNormal)
		time.Sleep(2 * time.Millisecond) // distinct creation times
	}

	close(gate)
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestLoaderErrorFiresErrorCallbackAndCachesNothing(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	var gotErr atomic.Value
	id := s.OnError(func(key string, err error) {
		gotErr.Store(err)
	})
	defer s.Unsubscribe(id)

	boom := errors.WrapTransient(errors.ErrSourceUnavailable, "test", "loader", "boom")
	_, err := s.Submit(context.Background(), "failing", func(ctx context.Context) (any, error) {
		return nil, boom
	}, PriorityNormal)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return gotErr.Load() != nil })
	assert.False(t, s.IsLoaded("failing"))
	assert.Equal(t, StateNotLoaded, s.LoadingStatus("failing"))

	// Failed keys are re-submittable
	result, err := s.Submit(context.Background(), "failing", staticLoader("ok"), PriorityNormal)
	require.NoError(t, err)
	assert.Equal(t, SubmitQueued, result)
	waitFor(t, time.Second, func() bool { return s.IsLoaded("failing") })
}

func TestLoaderErrorIncrementsErrorCounter(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	s, err := NewScheduler(context.Background(), testSchedulerConfig(), nil,
		WithMetricsRegistry(registry))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	boom := errors.WrapFatal(errors.ErrSourceUnavailable, "test", "loader", "boom")
	_, err = s.Submit(context.Background(), "failing", func(ctx context.Context) (any, error) {
		return nil, boom
	}, PriorityNormal)
	require.NoError(t, err)

	errored := registry.CoreMetrics().ErrorsTotal.WithLabelValues("scheduler", "fatal")
	waitFor(t, time.Second, func() bool { return testutil.ToFloat64(errored) >= 1.0 })
	assert.Equal(t, 1.0, testutil.ToFloat64(errored))
}

func TestCancelQueuedTask(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.MaxConcurrent = 1
	s := newTestScheduler(t, cfg)

	gate := make(chan struct{})
	defer close(gate)
	_, err := s.Submit(context.Background(), "gate", func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, PriorityCritical)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.LoadingStatus("gate") == StateLoading })

	var ran atomic.Bool
	_, err = s.Submit(context.Background(), "doomed", func(ctx context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, PriorityNormal)
	require.NoError(t, err)

	require.True(t, s.Cancel("doomed"))
	assert.Equal(t, StateNotLoaded, s.LoadingStatus("doomed"))
	assert.False(t, ran.Load())
	assert.False(t, s.Cancel("doomed"))
}

func TestCancelActiveTaskDiscardsResult(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	release := make(chan struct{})
	_, err := s.Submit(context.Background(), "inflight", func(ctx context.Context) (any, error) {
		<-release
		return "late result", nil
	}, PriorityNormal)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.LoadingStatus("inflight") == StateLoading })

	var delivered atomic.Bool
	id := s.OnLoad(func(key string, value any) {
		if key == "inflight" {
			delivered.Store(true)
		}
	})
	defer s.Unsubscribe(id)

	require.True(t, s.Cancel("inflight"))
	close(release)

	waitFor(t, time.Second, func() bool { return s.QueueStatus().Active == 0 })
	assert.False(t, s.IsLoaded("inflight"))
	assert.False(t, delivered.Load())
}

func TestCacheTTLBoundary(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.CacheTTL = config.Duration(60 * time.Millisecond)
	cfg.CacheSweep = config.Duration(time.Hour) // expiry via lazy check only
	s := newTestScheduler(t, cfg)

	_, err := s.Submit(context.Background(), "ephemeral", staticLoader("v"), PriorityNormal)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.IsLoaded("ephemeral") })

	time.Sleep(80 * time.Millisecond)
	assert.False(t, s.IsLoaded("ephemeral"))
	assert.Equal(t, StateNotLoaded, s.LoadingStatus("ephemeral"))
}

func TestQueueEmptyCallback(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	var fired atomic.Bool
	id := s.OnQueueEmpty(func() {
		fired.Store(true)
	})
	defer s.Unsubscribe(id)

	_, err := s.Submit(context.Background(), "only", staticLoader("v"), PriorityNormal)
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool { return fired.Load() })
}

func TestPreloadWarmsAllKeys(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	keys := []string{"p1", "p2", "p3"}
	result := s.Preload(context.Background(), keys, func(key string) LoaderFunc {
		return staticLoader("warmed:" + key)
	})

	assert.True(t, result.Complete)
	assert.ElementsMatch(t, keys, result.Loaded)
	assert.Empty(t, result.Pending)
	for _, key := range keys {
		value, ok := s.CachedData(key)
		require.True(t, ok)
		assert.Equal(t, "warmed:"+key, value)
	}
}

func TestPreloadForcesReload(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	_, err := s.Submit(context.Background(), "stale", staticLoader("old"), PriorityNormal)
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return s.IsLoaded("stale") })

	result := s.Preload(context.Background(), []string{"stale"}, func(key string) LoaderFunc {
		return staticLoader("fresh")
	})
	require.True(t, result.Complete)

	value, ok := s.CachedData("stale")
	require.True(t, ok)
	assert.Equal(t, "fresh", value)
}

func TestPreloadRespectsWaitCeiling(t *testing.T) {
	cfg := testSchedulerConfig()
	cfg.PreloadMaxWait = config.Duration(50 * time.Millisecond)
	s := newTestScheduler(t, cfg)

	stuck := make(chan struct{})
	defer close(stuck)

	start := time.Now()
	result := s.Preload(context.Background(), []string{"never"}, func(key string) LoaderFunc {
		return func(ctx context.Context) (any, error) {
			<-stuck
			return nil, nil
		}
	})

	assert.False(t, result.Complete)
	assert.Equal(t, []string{"never"}, result.Pending)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSubmitValidation(t *testing.T) {
	s := newTestScheduler(t, testSchedulerConfig())

	_, err := s.Submit(context.Background(), "", staticLoader("v"), PriorityNormal)
	require.Error(t, err)

	_, err = s.Submit(context.Background(), "k", nil, PriorityNormal)
	require.Error(t, err)
}

func TestSubmitAfterClose(t *testing.T) {
	s, err := NewScheduler(context.Background(), testSchedulerConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Submit(context.Background(), "k", staticLoader("v"), PriorityNormal)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}
