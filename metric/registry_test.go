package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/139QQ/fundstream/errors"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
	assert.NotNil(t, registry.CoreMetrics().RequestsTotal)
	assert.NotNil(t, registry.CoreMetrics().ValidationsTotal)
	assert.NotNil(t, registry.CoreMetrics().QueueDepth)
}

func TestRegisterCounter(t *testing.T) {
	registry := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test counter",
	})

	err := registry.RegisterCounter("switcher", "test_counter_total", counter)
	assert.NoError(t, err)
}

func TestRegisterDuplicateRejected(t *testing.T) {
	registry := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_gauge",
		Help: "test gauge",
	})

	require.NoError(t, registry.RegisterGauge("scheduler", "test_gauge", gauge))

	err := registry.RegisterGauge("scheduler", "test_gauge", gauge)
	assert.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterSameNameDifferentService(t *testing.T) {
	registry := NewMetricsRegistry()

	a := prometheus.NewCounter(prometheus.CounterOpts{Name: "svc_a_ops_total", Help: "a"})
	b := prometheus.NewCounter(prometheus.CounterOpts{Name: "svc_b_ops_total", Help: "b"})

	assert.NoError(t, registry.RegisterCounter("a", "ops_total", a))
	assert.NoError(t, registry.RegisterCounter("b", "ops_total", b))
}

func TestUnregister(t *testing.T) {
	registry := NewMetricsRegistry()

	histogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "test_duration_seconds",
		Help: "test histogram",
	})

	require.NoError(t, registry.RegisterHistogram("validator", "test_duration_seconds", histogram))

	assert.True(t, registry.Unregister("validator", "test_duration_seconds"))
	assert.False(t, registry.Unregister("validator", "test_duration_seconds"))

	// Re-registration succeeds after unregister
	assert.NoError(t, registry.RegisterHistogram("validator", "test_duration_seconds", histogram))
}

func TestRegisterVecTypes(t *testing.T) {
	registry := NewMetricsRegistry()

	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "vec_ops_total", Help: "x"}, []string{"k"})
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "vec_state", Help: "x"}, []string{"k"})
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "vec_seconds", Help: "x"}, []string{"k"})

	assert.NoError(t, registry.RegisterCounterVec("s", "vec_ops_total", cv))
	assert.NoError(t, registry.RegisterGaugeVec("s", "vec_state", gv))
	assert.NoError(t, registry.RegisterHistogramVec("s", "vec_seconds", hv))
}
