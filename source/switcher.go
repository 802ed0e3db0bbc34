package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/errors"
	"github.com/139QQ/fundstream/metric"
)

// RequestFunc is a caller-supplied request against the currently selected
// source. All network traffic must go through the supplied transport so
// the switcher controls routing, timeouts, and credentials.
type RequestFunc func(ctx context.Context, t *Transport) ([]byte, error)

// SourceStatus is a point-in-time snapshot of one source's health.
type SourceStatus struct {
	Name                string     `json:"name"`
	Priority            int        `json:"priority"`
	Healthy             bool       `json:"healthy"`
	Synthetic           bool       `json:"synthetic"`
	Current             bool       `json:"current"`
	SkipMarked          bool       `json:"skip_marked"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
}

// StatusReport is a snapshot of all source health for dashboards.
type StatusReport struct {
	CurrentSource string         `json:"current_source"`
	UsingFallback bool           `json:"using_fallback"`
	Timestamp     time.Time      `json:"timestamp"`
	Sources       []SourceStatus `json:"sources"`
}

// ExecuteOption configures one Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	forceReselect bool
}

// WithForceReselect runs source reselection immediately, bypassing the
// switch cooldown, before issuing the request. Used when the caller
// explicitly distrusts cached routing.
func WithForceReselect() ExecuteOption {
	return func(o *executeOptions) {
		o.forceReselect = true
	}
}

// Switcher routes requests to the best currently-healthy source and
// transparently retries across sources before degrading to the synthetic
// fallback.
type Switcher struct {
	sources   []*Descriptor // sorted ascending by priority, synthetic included
	synthetic *Descriptor

	healthInterval time.Duration
	rttCeiling     time.Duration
	cooldown       time.Duration

	logger  *slog.Logger
	metrics *metric.Metrics
	events  *eventBus

	mu         sync.Mutex
	current    *Descriptor
	lastSwitch time.Time

	started  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
}

// NewSwitcher builds a Switcher from configuration. The metrics registry
// is optional; pass nil to disable instrumentation.
func NewSwitcher(cfg *config.Config, logger *slog.Logger, registry *metric.MetricsRegistry) (*Switcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	descriptors := make([]*Descriptor, 0, len(cfg.Sources))
	var synthetic *Descriptor
	for i := range cfg.Sources {
		d := newDescriptor(&cfg.Sources[i])
		descriptors = append(descriptors, d)
		if d.Synthetic {
			synthetic = d
		}
	}
	if synthetic == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Switcher", "NewSwitcher",
			"synthetic fallback source is required")
	}

	sort.SliceStable(descriptors, func(i, j int) bool {
		return descriptors[i].Priority < descriptors[j].Priority
	})

	var coreMetrics *metric.Metrics
	if registry != nil {
		coreMetrics = registry.CoreMetrics()
	}

	return &Switcher{
		sources:        descriptors,
		synthetic:      synthetic,
		healthInterval: cfg.Switcher.HealthInterval.Std(),
		rttCeiling:     cfg.Switcher.HealthRTTCeiling.Std(),
		cooldown:       cfg.Switcher.SwitchCooldown.Std(),
		logger:         logger.With("component", "switcher"),
		metrics:        coreMetrics,
		events:         newEventBus(cfg.Switcher.EventHistory),
		shutdown:       make(chan struct{}),
		done:           make(chan struct{}),
	}, nil
}

// Initialize health-checks all sources, selects the best one, and starts
// the recurring health-check loop.
func (s *Switcher) Initialize(ctx context.Context) error {
	if s.started.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Switcher", "Initialize", "lifecycle")
	}

	s.checkAllSources(ctx)

	best := s.selectBest()
	if best == nil {
		s.switchTo(s.synthetic, "no source passed startup health check", true)
	} else {
		s.switchTo(best, "startup selection", false)
	}

	s.started.Store(true)
	go s.healthLoop(ctx)

	s.logger.Info("switcher initialized",
		"sources", len(s.sources),
		"current", s.CurrentSource())
	return nil
}

// Stop halts the health-check loop and closes all event subscriptions.
func (s *Switcher) Stop() error {
	if !s.started.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "Switcher", "Stop", "lifecycle")
	}
	s.started.Store(false)

	close(s.shutdown)
	<-s.done
	s.events.Close()
	return nil
}

// CurrentSource returns the name of the currently selected source.
func (s *Switcher) CurrentSource() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.Name
}

// Subscribe registers an event subscriber; the returned id is passed to
// Unsubscribe. Events are dropped, not blocked on, for slow subscribers.
func (s *Switcher) Subscribe(buffer int) (string, <-chan SwitchEvent) {
	return s.events.Subscribe(buffer)
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Switcher) Unsubscribe(id string) {
	s.events.Unsubscribe(id)
}

// EventHistory returns the retained switch events, oldest first.
func (s *Switcher) EventHistory() []SwitchEvent {
	return s.events.History()
}

// StatusReport snapshots all source health for observability surfaces.
func (s *Switcher) StatusReport() StatusReport {
	current := s.CurrentSource()

	statuses := make([]SourceStatus, 0, len(s.sources))
	for _, d := range s.sources {
		statuses = append(statuses, d.status(d.Name == current))
	}

	return StatusReport{
		CurrentSource: current,
		UsingFallback: current == s.synthetic.Name,
		Timestamp:     time.Now(),
		Sources:       statuses,
	}
}

// Execute runs fn against the current source; on failure it reselects and
// retries once, then degrades to the synthetic source, which never fails.
// The only error Execute returns is the fatal case of the synthetic path
// itself failing.
func (s *Switcher) Execute(
	ctx context.Context, operation string, fn RequestFunc, opts ...ExecuteOption,
) (*Payload, error) {
	if !s.started.Load() {
		return nil, errors.WrapFatal(errors.ErrNotStarted, "Switcher", "Execute", operation)
	}

	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.forceReselect {
		s.reselect(true, "forced refresh requested")
	}

	src := s.currentDescriptor()
	payload, err := s.runRequest(ctx, src, operation, fn)
	if err == nil {
		return payload, nil
	}
	s.logger.Warn("request failed, reselecting source",
		"operation", operation, "source", src.Name, "error", err)

	reason := fmt.Sprintf("request failure on %s during %s", src.Name, operation)
	if errors.Is(err, errors.ErrRateLimited) {
		reason = fmt.Sprintf("rate budget exhausted on %s", src.Name)
	}
	s.reselect(false, reason)

	retrySrc := s.currentDescriptor()
	payload, err = s.runRequest(ctx, retrySrc, operation, fn)
	if err == nil {
		return payload, nil
	}
	s.logger.Warn("retry failed, degrading to synthetic data",
		"operation", operation, "source", retrySrc.Name, "error", err)

	if retrySrc != s.synthetic {
		s.switchTo(s.synthetic,
			fmt.Sprintf("all sources failed during %s", operation), true)
	}

	payload, err = s.runRequest(ctx, s.synthetic, operation, fn)
	if err != nil {
		// The synthetic path throwing is the only unrecoverable condition
		return nil, errors.WrapFatal(errors.ErrSyntheticFailed, "Switcher", "Execute",
			fmt.Sprintf("%s: %v", operation, err))
	}
	return payload, nil
}

// ForceReselect runs reselection immediately, bypassing cooldown.
func (s *Switcher) ForceReselect(reason string) {
	s.reselect(true, reason)
}

// currentDescriptor returns the currently selected descriptor, falling
// back to synthetic if selection has somehow never happened.
func (s *Switcher) currentDescriptor() *Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return s.synthetic
	}
	return s.current
}

// runRequest executes fn against one source, recording health and metrics.
func (s *Switcher) runRequest(
	ctx context.Context, d *Descriptor, operation string, fn RequestFunc,
) (*Payload, error) {
	if !d.allowRequest() {
		// Budget exhaustion is routing feedback, not a health signal
		s.recordRequestMetric(d.Name, "rate_limited", operation, 0)
		return nil, errors.WrapTransient(errors.ErrRateLimited, "Switcher", "runRequest", d.Name)
	}

	reqCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	start := time.Now()
	data, err := fn(reqCtx, d.transport())
	elapsed := time.Since(start)

	if err != nil {
		d.recordFailure()
		wrapped := errors.WrapTransient(err, "Switcher", "runRequest", operation)
		s.recordRequestMetric(d.Name, "error", operation, elapsed)
		if s.metrics != nil {
			s.metrics.SourceFailures.WithLabelValues(d.Name).Inc()
			s.metrics.SourceHealthy.WithLabelValues(d.Name).Set(0)
			s.metrics.RecordError("switcher", errors.Classify(wrapped).String())
		}
		return nil, wrapped
	}

	d.recordSuccess()
	s.recordRequestMetric(d.Name, "success", operation, elapsed)
	if s.metrics != nil && !d.Synthetic {
		s.metrics.SourceHealthy.WithLabelValues(d.Name).Set(1)
	}

	return &Payload{
		Data:      data,
		Source:    d.Name,
		Synthetic: d.Synthetic,
		FetchedAt: time.Now(),
	}, nil
}

func (s *Switcher) recordRequestMetric(source, status, operation string, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RequestsTotal.WithLabelValues(source, status).Inc()
	if elapsed > 0 {
		s.metrics.RequestDuration.WithLabelValues(source, operation).Observe(elapsed.Seconds())
	}
}

// selectBest returns the highest-priority viable real source, or nil when
// none qualifies. The synthetic source is never part of the normal
// candidate set; selecting it is an emergency decision.
func (s *Switcher) selectBest() *Descriptor {
	for _, d := range s.sources {
		if d.Synthetic {
			continue
		}
		if d.viable() {
			return d
		}
	}
	return nil
}

// reselect chooses the best source, honoring the anti-flapping cooldown
// unless bypassed. Within the cooldown the current source is kept as long
// as it remains viable.
func (s *Switcher) reselect(bypassCooldown bool, reason string) {
	s.mu.Lock()
	current := s.current
	inCooldown := current != nil && time.Since(s.lastSwitch) < s.cooldown
	s.mu.Unlock()

	if !bypassCooldown && inCooldown && current != nil && current.viable() {
		return
	}

	best := s.selectBest()
	if best == nil {
		s.switchTo(s.synthetic, reason+" (no healthy source available)", true)
		return
	}
	s.switchTo(best, reason, false)
}

// switchTo makes dst the current source and emits a switch event.
// Selecting the already-current source is a no-op.
func (s *Switcher) switchTo(dst *Descriptor, reason string, emergency bool) {
	s.mu.Lock()
	if s.current == dst {
		s.mu.Unlock()
		return
	}
	from := ""
	if s.current != nil {
		from = s.current.Name
	}
	s.current = dst
	s.lastSwitch = time.Now()
	s.mu.Unlock()

	event := newSwitchEvent(from, dst.Name, reason, emergency)
	s.events.Publish(event)

	if s.metrics != nil {
		s.metrics.SourceSwitches.WithLabelValues(dst.Name, strconv.FormatBool(emergency)).Inc()
	}

	level := slog.LevelInfo
	if emergency {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "switched source",
		"from", from, "to", dst.Name, "reason", reason, "emergency", emergency)
}

// healthLoop periodically health-checks all sources and repairs the
// current selection if it has become non-viable.
func (s *Switcher) healthLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.checkAllSources(ctx)
			if !s.currentDescriptor().viable() {
				s.reselect(false, "health check: current source not viable")
			}
		}
	}
}

// checkAllSources runs one health check per real source concurrently.
func (s *Switcher) checkAllSources(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	for _, d := range s.sources {
		if d.Synthetic {
			continue
		}
		d := d
		g.Go(func() error {
			s.checkSource(gctx, d)
			return nil
		})
	}
	_ = g.Wait()
}

// checkSource issues a lightweight GET to the source's health endpoint.
// Healthy means status 200 with a round trip under the RTT ceiling.
func (s *Switcher) checkSource(ctx context.Context, d *Descriptor) {
	checkCtx := ctx
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	healthy := false
	start := time.Now()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, d.BaseURL+d.HealthEndpoint, nil)
	if err == nil {
		resp, doErr := d.client.Do(req)
		rtt := time.Since(start)
		if doErr == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			healthy = resp.StatusCode == http.StatusOK && rtt < s.rttCeiling
		}
	}

	d.recordHealthCheck(healthy, time.Now())

	if s.metrics != nil {
		if healthy {
			s.metrics.SourceHealthy.WithLabelValues(d.Name).Set(1)
		} else {
			s.metrics.SourceHealthy.WithLabelValues(d.Name).Set(0)
			s.metrics.SourceFailures.WithLabelValues(d.Name).Inc()
		}
	}

	s.logger.Debug("health check",
		"source", d.Name, "healthy", healthy, "rtt", time.Since(start))
}
