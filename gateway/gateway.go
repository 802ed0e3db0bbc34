// Package gateway exposes the acquisition pipeline over HTTP: health,
// metrics, status snapshots, and a live switch-event stream.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/consistency"
	"github.com/139QQ/fundstream/errors"
	"github.com/139QQ/fundstream/health"
	"github.com/139QQ/fundstream/metric"
	"github.com/139QQ/fundstream/scheduler"
	"github.com/139QQ/fundstream/source"
)

// Gateway serves the observability endpoints. It reads pipeline state but
// never mutates it.
type Gateway struct {
	cfg    config.GatewayConfig
	logger *slog.Logger

	switcher  *source.Switcher
	validator *consistency.Validator
	sched     *scheduler.Scheduler
	monitor   *health.Monitor
	registry  *metric.MetricsRegistry

	server   *http.Server
	upgrader websocket.Upgrader
	running  atomic.Bool
}

// New builds a Gateway over the pipeline components.
func New(
	cfg config.GatewayConfig, logger *slog.Logger,
	switcher *source.Switcher, validator *consistency.Validator,
	sched *scheduler.Scheduler, registry *metric.MetricsRegistry,
) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		switcher:  switcher,
		validator: validator,
		sched:     sched,
		monitor:   health.NewMonitor(),
		registry:  registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Handler builds the route mux. Exposed separately so tests can exercise
// routes without binding a port.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", g.handleHealth)
	mux.HandleFunc("/status", g.handleStatus)
	mux.HandleFunc("/events", g.handleEvents)
	if g.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(
			g.registry.PrometheusRegistry(), promhttp.HandlerOpts{}))
	}
	return mux
}

// Start begins serving in the background.
func (g *Gateway) Start() error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Start", "lifecycle")
	}

	g.server = &http.Server{
		Addr:              g.cfg.ListenAddr,
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server failed", "error", err)
		}
	}()

	g.logger.Info("gateway listening", "addr", g.cfg.ListenAddr)
	return nil
}

// Stop gracefully shuts the server down.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.running.CompareAndSwap(true, false) {
		return errors.WrapInvalid(errors.ErrNotStarted, "Gateway", "Stop", "lifecycle")
	}
	return g.server.Shutdown(ctx)
}

// handleHealth refreshes the monitor from live component state and
// reports the aggregate. Unhealthy maps to 503 so load balancers can act
// on it; degraded (synthetic data) still serves.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := g.switcher.StatusReport()
	healthyCount := 0
	totalCount := 0
	for _, src := range report.Sources {
		if src.Synthetic {
			continue
		}
		totalCount++
		if src.Healthy {
			healthyCount++
		}
	}
	g.monitor.ObserveSources(report.CurrentSource, report.UsingFallback, healthyCount, totalCount)

	queueStatus := g.sched.QueueStatus()
	g.monitor.ObserveScheduler(queueStatus.Queued, queueStatus.Active, queueStatus.CacheSize)

	validation := g.validator.GetReport()
	g.monitor.ObserveValidator(validation.SuccessRate, validation.TotalValidations)

	system := g.monitor.System("fundstream")
	code := http.StatusOK
	if system.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, system)
}

// statusResponse is the full pipeline snapshot served at /status.
type statusResponse struct {
	Timestamp  time.Time             `json:"timestamp"`
	Sources    source.StatusReport   `json:"sources"`
	Scheduler  scheduler.QueueStatus `json:"scheduler"`
	Validation consistency.Report    `json:"validation"`
	Events     []source.SwitchEvent  `json:"recent_events"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, statusResponse{
		Timestamp:  time.Now(),
		Sources:    g.switcher.StatusReport(),
		Scheduler:  g.sched.QueueStatus(),
		Validation: g.validator.GetReport(),
		Events:     g.switcher.EventHistory(),
	})
}

// handleEvents streams switch events over a websocket until the client
// disconnects. History is replayed first so late subscribers see context.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id, events := g.switcher.Subscribe(16)
	defer g.switcher.Unsubscribe(id)

	for _, event := range g.switcher.EventHistory() {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
	}

	// Reader goroutine detects client close
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.logger.Warn("response encode failed", "error", err)
	}
}
