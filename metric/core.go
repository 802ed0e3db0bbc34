package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains platform-level metrics shared across the acquisition
// pipeline (not component-specific; those register their own).
type Metrics struct {
	// Upstream request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	SourceHealthy   *prometheus.GaugeVec
	SourceFailures  *prometheus.CounterVec
	SourceSwitches  *prometheus.CounterVec

	// Consistency validation metrics
	ValidationsTotal *prometheus.CounterVec
	ViolationsTotal  *prometheus.CounterVec

	// Scheduler metrics
	TasksSubmitted *prometheus.CounterVec
	TasksCompleted *prometheus.CounterVec
	QueueDepth     prometheus.Gauge
	ActiveTasks    prometheus.Gauge

	// Errors
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "source",
				Name:      "requests_total",
				Help:      "Total upstream requests by source and outcome",
			},
			[]string{"source", "status"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fundstream",
				Subsystem: "source",
				Name:      "request_duration_seconds",
				Help:      "Upstream request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source", "operation"},
		),

		SourceHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "fundstream",
				Subsystem: "source",
				Name:      "healthy",
				Help:      "Source health (1=healthy, 0=unhealthy)",
			},
			[]string{"source"},
		),

		SourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "source",
				Name:      "failures_total",
				Help:      "Total request and health-check failures by source",
			},
			[]string{"source"},
		),

		SourceSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "source",
				Name:      "switches_total",
				Help:      "Total source switches by target and emergency flag",
			},
			[]string{"to", "emergency"},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "consistency",
				Name:      "validations_total",
				Help:      "Total consistency validations by category and verdict",
			},
			[]string{"category", "verdict"},
		),

		ViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "consistency",
				Name:      "violations_total",
				Help:      "Total consistency violations by category and severity",
			},
			[]string{"category", "severity"},
		),

		TasksSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "scheduler",
				Name:      "tasks_submitted_total",
				Help:      "Total tasks submitted by priority and disposition",
			},
			[]string{"priority", "disposition"},
		),

		TasksCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "scheduler",
				Name:      "tasks_completed_total",
				Help:      "Total tasks completed by status",
			},
			[]string{"status"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fundstream",
				Subsystem: "scheduler",
				Name:      "queue_depth",
				Help:      "Current number of queued tasks",
			},
		),

		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "fundstream",
				Subsystem: "scheduler",
				Name:      "active_tasks",
				Help:      "Current number of tasks being executed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fundstream",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

// RecordError increments the error counter
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// collectors returns every core metric for bulk registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RequestsTotal,
		m.RequestDuration,
		m.SourceHealthy,
		m.SourceFailures,
		m.SourceSwitches,
		m.ValidationsTotal,
		m.ViolationsTotal,
		m.TasksSubmitted,
		m.TasksCompleted,
		m.QueueDepth,
		m.ActiveTasks,
		m.ErrorsTotal,
	}
}
