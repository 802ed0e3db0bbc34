package health

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Monitor tracks component health, keyed by component name. Safe for
// concurrent use.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{statuses: make(map[string]Status)}
}

// Update records a component's status.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}

	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
}

// UpdateHealthy marks a component healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateDegraded marks a component degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// UpdateUnhealthy marks a component unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// Get returns a component's status.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove drops a component from monitoring.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	delete(m.statuses, name)
	m.mu.Unlock()
}

// Components returns the monitored component names, sorted.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// System aggregates all component statuses into one system status with
// deterministic sub-status ordering.
func (m *Monitor) System(systemName string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)

	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		subStatuses = append(subStatuses, m.statuses[name])
	}
	m.mu.RUnlock()

	return Aggregate(systemName, subStatuses)
}

// ObserveSources folds a source snapshot into the monitor: degraded while
// serving synthetic data, unhealthy only when nothing at all is selected.
func (m *Monitor) ObserveSources(currentSource string, usingFallback bool, healthyCount, totalCount int) {
	summary := fmt.Sprintf("%d/%d sources healthy, serving from %s",
		healthyCount, totalCount, currentSource)
	switch {
	case currentSource == "":
		m.UpdateUnhealthy("sources", "no source selected")
	case usingFallback:
		m.UpdateDegraded("sources", "serving placeholder data: "+summary)
	default:
		m.UpdateHealthy("sources", summary)
	}
}

// ObserveScheduler folds scheduler occupancy into the monitor.
func (m *Monitor) ObserveScheduler(queued, active, cacheSize int) {
	m.UpdateHealthy("scheduler",
		fmt.Sprintf("%d queued, %d active, %d cached", queued, active, cacheSize))
}

// ObserveValidator folds validation outcomes into the monitor: degraded
// when the success rate drops below the floor.
func (m *Monitor) ObserveValidator(successRate float64, totalValidations uint64) {
	const successFloor = 0.9
	message := fmt.Sprintf("success rate %.2f over %d validations", successRate, totalValidations)
	if totalValidations > 0 && successRate < successFloor {
		m.UpdateDegraded("validator", message)
		return
	}
	m.UpdateHealthy("validator", message)
}
