package source

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
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

// healthServer returns an httptest server whose /health endpoint answers
// with the given status, and whose data paths answer with dataStatus.
func healthServer(t *testing.T, healthStatus, dataStatus int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(healthStatus)
			return
		}
		w.WriteHeader(dataStatus)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(sources ...config.SourceConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sources = append(sources, config.SourceConfig{
		Name:      config.SyntheticSourceName,
		Priority:  999,
		Synthetic: true,
	})
	cfg.Switcher.HealthInterval = config.Duration(time.Hour) // keep the loop quiet in tests
	return cfg
}

func sourceConfig(name, baseURL string, priority int) config.SourceConfig {
	return config.SourceConfig{
		Name:           name,
		BaseURL:        baseURL,
		Priority:       priority,
		Timeout:        config.Duration(2 * time.Second),
		HealthEndpoint: "/health",
	}
}

// fetchBody is the RequestFunc used throughout: GET a path and return the
// response body, treating non-2xx as failure.
func fetchBody(path string) RequestFunc {
	return func(ctx context.Context, tr *Transport) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, tr.BaseURL+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := tr.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.WrapTransient(errors.ErrSourceUnavailable,
				"test", "fetchBody", resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
}

func newTestSwitcher(t *testing.T, cfg *config.Config) *Switcher {
	t.Helper()
	s, err := NewSwitcher(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestNewSwitcherRequiresSynthetic(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sources = []config.SourceConfig{sourceConfig("only", "http://localhost:1", 1)}

	_, err := NewSwitcher(cfg, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestInitializeSelectsHighestPriorityHealthy(t *testing.T) {
	down := healthServer(t, http.StatusServiceUnavailable, http.StatusOK, "{}")
	up := healthServer(t, http.StatusOK, http.StatusOK, `{"ok":true}`)

	cfg := testConfig(
		sourceConfig("primary", down.URL, 1),
		sourceConfig("secondary", up.URL, 2),
	)
	s := newTestSwitcher(t, cfg)

	assert.Equal(t, "secondary", s.CurrentSource())

	report := s.StatusReport()
	assert.False(t, report.UsingFallback)
	assert.Len(t, report.Sources, 3)
}

func TestInitializeFallsBackToSynthetic(t *testing.T) {
	down := healthServer(t, http.StatusInternalServerError, http.StatusOK, "{}")

	cfg := testConfig(sourceConfig("primary", down.URL, 1))
	s := newTestSwitcher(t, cfg)

	assert.Equal(t, config.SyntheticSourceName, s.CurrentSource())
	assert.True(t, s.StatusReport().UsingFallback)

	history := s.EventHistory()
	require.NotEmpty(t, history)
	assert.True(t, history[0].Emergency)
}

func TestExecuteReturnsUpstreamData(t *testing.T) {
	up := healthServer(t, http.StatusOK, http.StatusOK, `{"fund":"000001"}`)

	cfg := testConfig(sourceConfig("primary", up.URL, 1))
	s := newTestSwitcher(t, cfg)

	payload, err := s.Execute(context.Background(), "fund_detail", fetchBody("/fund/000001"))
	require.NoError(t, err)
	assert.Equal(t, "primary", payload.Source)
	assert.False(t, payload.Synthetic)
	assert.JSONEq(t, `{"fund":"000001"}`, string(payload.Data))
}

func TestExecuteFailsOverToNextSource(t *testing.T) {
	// Healthy at check time but failing on the data path
	flaky := healthServer(t, http.StatusOK, http.StatusBadGateway, "")
	stable := healthServer(t, http.StatusOK, http.StatusOK, `{"via":"secondary"}`)

	cfg := testConfig(
		sourceConfig("primary", flaky.URL, 1),
		sourceConfig("secondary", stable.URL, 2),
	)
	s := newTestSwitcher(t, cfg)
	require.Equal(t, "primary", s.CurrentSource())

	payload, err := s.Execute(context.Background(), "fund_list", fetchBody("/funds"))
	require.NoError(t, err)
	assert.Equal(t, "secondary", payload.Source)
	assert.Equal(t, "secondary", s.CurrentSource())

	history := s.EventHistory()
	last := history[len(history)-1]
	assert.Equal(t, "primary", last.From)
	assert.Equal(t, "secondary", last.To)
	assert.False(t, last.Emergency)
}

func TestExecuteDegradesToSyntheticWhenAllFail(t *testing.T) {
	broken := healthServer(t, http.StatusOK, http.StatusInternalServerError, "")

	cfg := testConfig(sourceConfig("primary", broken.URL, 1))
	s := newTestSwitcher(t, cfg)

	payload, err := s.Execute(context.Background(), "fund_detail", fetchBody("/fund/000001"))
	require.NoError(t, err)
	assert.True(t, payload.Synthetic)
	assert.Equal(t, config.SyntheticSourceName, payload.Source)

	history := s.EventHistory()
	last := history[len(history)-1]
	assert.True(t, last.Emergency)
	assert.Equal(t, config.SyntheticSourceName, last.To)
}

func TestFailedRequestIncrementsErrorCounter(t *testing.T) {
	broken := healthServer(t, http.StatusOK, http.StatusInternalServerError, "")

	cfg := testConfig(sourceConfig("primary", broken.URL, 1))
	registry := metric.NewMetricsRegistry()
	s, err := NewSwitcher(cfg, nil, registry)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	_, err = s.Execute(context.Background(), "fund_detail", fetchBody("/fund/000001"))
	require.NoError(t, err)

	errored := registry.CoreMetrics().ErrorsTotal.WithLabelValues("switcher", "transient")
	assert.GreaterOrEqual(t, testutil.ToFloat64(errored), 1.0)
}

func TestExecuteSyntheticPayloadIsDeterministicJSON(t *testing.T) {
	cfg := testConfig() // synthetic only
	s := newTestSwitcher(t, cfg)

	first, err := s.Execute(context.Background(), "fund_detail", fetchBody("/fund/000001"))
	require.NoError(t, err)
	second, err := s.Execute(context.Background(), "fund_detail", fetchBody("/fund/000001"))
	require.NoError(t, err)

	assert.True(t, first.Synthetic)
	assert.Equal(t, string(first.Data), string(second.Data))
}

func TestExecuteBeforeInitialize(t *testing.T) {
	cfg := testConfig()
	s, err := NewSwitcher(cfg, nil, nil)
	require.NoError(t, err)

	_, err = s.Execute(context.Background(), "fund_detail", fetchBody("/x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
	assert.True(t, errors.IsFatal(err))
}

func TestExecuteWithForceReselect(t *testing.T) {
	better := healthServer(t, http.StatusOK, http.StatusOK, `{"via":"primary"}`)
	worse := healthServer(t, http.StatusOK, http.StatusOK, `{"via":"secondary"}`)

	cfg := testConfig(
		sourceConfig("primary", better.URL, 1),
		sourceConfig("secondary", worse.URL, 2),
	)
	s := newTestSwitcher(t, cfg)

	// Manually degrade to secondary, then force a reselect back
	s.ForceReselect("test setup")
	require.Equal(t, "primary", s.CurrentSource())

	s.switchTo(s.sources[1], "pin to secondary", false)
	require.Equal(t, "secondary", s.CurrentSource())

	payload, err := s.Execute(context.Background(), "fund_detail",
		fetchBody("/fund/000001"), WithForceReselect())
	require.NoError(t, err)
	assert.Equal(t, "primary", payload.Source)
}

func TestReselectHonorsCooldown(t *testing.T) {
	a := healthServer(t, http.StatusOK, http.StatusOK, "{}")
	b := healthServer(t, http.StatusOK, http.StatusOK, "{}")

	cfg := testConfig(
		sourceConfig("primary", a.URL, 1),
		sourceConfig("secondary", b.URL, 2),
	)
	cfg.Switcher.SwitchCooldown = config.Duration(time.Hour)
	s := newTestSwitcher(t, cfg)

	// Pin to the lower-priority source; cooldown keeps it selected even
	// though a better source is viable.
	s.switchTo(s.sources[1], "pin to secondary", false)
	s.reselect(false, "should be suppressed")
	assert.Equal(t, "secondary", s.CurrentSource())

	// Bypassing cooldown switches back immediately.
	s.reselect(true, "forced")
	assert.Equal(t, "primary", s.CurrentSource())
}

func TestReselectEscapesCooldownWhenCurrentNotViable(t *testing.T) {
	a := healthServer(t, http.StatusOK, http.StatusOK, "{}")
	b := healthServer(t, http.StatusOK, http.StatusOK, "{}")

	cfg := testConfig(
		sourceConfig("primary", a.URL, 1),
		sourceConfig("secondary", b.URL, 2),
	)
	cfg.Switcher.SwitchCooldown = config.Duration(time.Hour)
	s := newTestSwitcher(t, cfg)

	s.switchTo(s.sources[1], "pin to secondary", false)
	s.sources[1].recordHealthCheck(false, time.Now())

	s.reselect(false, "current unhealthy")
	assert.Equal(t, "primary", s.CurrentSource())
}

func TestSwitchToSameSourceEmitsNoEvent(t *testing.T) {
	up := healthServer(t, http.StatusOK, http.StatusOK, "{}")

	cfg := testConfig(sourceConfig("primary", up.URL, 1))
	s := newTestSwitcher(t, cfg)

	before := len(s.EventHistory())
	s.switchTo(s.currentDescriptor(), "no-op", false)
	assert.Len(t, s.EventHistory(), before)
}

func TestSubscribeReceivesSwitchEvents(t *testing.T) {
	up := healthServer(t, http.StatusOK, http.StatusOK, "{}")
	alt := healthServer(t, http.StatusOK, http.StatusOK, "{}")

	cfg := testConfig(
		sourceConfig("primary", up.URL, 1),
		sourceConfig("secondary", alt.URL, 2),
	)
	s := newTestSwitcher(t, cfg)

	id, ch := s.Subscribe(4)
	defer s.Unsubscribe(id)

	s.switchTo(s.sources[1], "subscriber test", false)

	select {
	case event := <-ch:
		assert.Equal(t, "secondary", event.To)
		assert.Equal(t, "subscriber test", event.Reason)
		assert.NotEmpty(t, event.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for switch event")
	}
}

func TestHealthCheckRTTCeiling(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(slow.Close)

	cfg := testConfig(sourceConfig("sluggish", slow.URL, 1))
	cfg.Switcher.HealthRTTCeiling = config.Duration(10 * time.Millisecond)
	s := newTestSwitcher(t, cfg)

	// 200 but over the ceiling counts as unhealthy
	assert.Equal(t, config.SyntheticSourceName, s.CurrentSource())
}

func TestSkipMarkAfterConsecutiveFailures(t *testing.T) {
	var healthCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			healthCalls.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(sourceConfig("primary", srv.URL, 1))
	s := newTestSwitcher(t, cfg)

	d := s.sources[0]
	require.Equal(t, "primary", d.Name)

	for i := 0; i < skipThreshold; i++ {
		d.recordFailure()
	}
	assert.True(t, d.skipMarked())
	assert.False(t, d.viable())
	assert.Equal(t, skipThreshold, d.ConsecutiveFailures())

	// A success clears the streak and the skip mark
	d.recordSuccess()
	assert.False(t, d.skipMarked())
	assert.Zero(t, d.ConsecutiveFailures())
}

func TestRateLimitedSourceTriggersReselection(t *testing.T) {
	limited := healthServer(t, http.StatusOK, http.StatusOK, `{"via":"limited"}`)
	open := healthServer(t, http.StatusOK, http.StatusOK, `{"via":"open"}`)

	limitedCfg := sourceConfig("limited", limited.URL, 1)
	limitedCfg.RateLimit = config.RateLimitConfig{
		Requests: 1,
		Window:   config.Duration(time.Hour),
	}

	cfg := testConfig(limitedCfg, sourceConfig("open", open.URL, 2))
	s := newTestSwitcher(t, cfg)

	// First request consumes the entire budget
	first, err := s.Execute(context.Background(), "fund_list", fetchBody("/funds"))
	require.NoError(t, err)
	assert.Equal(t, "limited", first.Source)

	// Budget exhausted: routed to the next source, health intact
	second, err := s.Execute(context.Background(), "fund_list", fetchBody("/funds"))
	require.NoError(t, err)
	assert.Equal(t, "open", second.Source)
	assert.True(t, s.sources[0].IsHealthy())
	assert.Zero(t, s.sources[0].ConsecutiveFailures())
}

func TestStopTwice(t *testing.T) {
	cfg := testConfig()
	s, err := NewSwitcher(cfg, nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(context.Background()))

	require.NoError(t, s.Stop())
	err = s.Stop()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}
