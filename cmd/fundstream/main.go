// Package main implements the entry point for the fundstream data
// acquisition service: multi-source failover, consistency validation, and
// prioritized fetch scheduling for mutual-fund market data.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/consistency"
	"github.com/139QQ/fundstream/eventbridge"
	"github.com/139QQ/fundstream/gateway"
	"github.com/139QQ/fundstream/metric"
	"github.com/139QQ/fundstream/scheduler"
	"github.com/139QQ/fundstream/source"
)

const (
	Version = "0.1.0"
	appName = "fundstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("configuration is valid", "sources", len(cfg.Sources))
		return nil
	}

	slog.Info("starting fundstream",
		"version", Version,
		"sources", len(cfg.Sources),
		"config_path", cliCfg.ConfigPath)

	ctx := context.Background()
	registry := metric.NewMetricsRegistry()

	switcher, err := source.NewSwitcher(cfg, logger, registry)
	if err != nil {
		return fmt.Errorf("build switcher: %w", err)
	}

	bridge := eventbridge.New(cfg.Events, logger)

	validatorOpts := []consistency.Option{
		consistency.WithMetrics(registry.CoreMetrics()),
	}
	if bridge != nil {
		validatorOpts = append(validatorOpts,
			consistency.WithViolationCallback(bridge.PublishViolation))
	}
	validator, err := consistency.NewValidator(
		cfg.Consistency, cfg.Violations, logger, validatorOpts...)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	sched, err := scheduler.NewScheduler(ctx, cfg.Scheduler, logger,
		scheduler.WithMetricsRegistry(registry))
	if err != nil {
		return fmt.Errorf("build scheduler: %w", err)
	}

	return runWithSignalHandling(ctx, cfg, logger, components{
		switcher:  switcher,
		validator: validator,
		scheduler: sched,
		bridge:    bridge,
		registry:  registry,
	}, cliCfg.ShutdownTimeout)
}

type components struct {
	switcher  *source.Switcher
	validator *consistency.Validator
	scheduler *scheduler.Scheduler
	bridge    *eventbridge.Bridge
	registry  *metric.MetricsRegistry
}

// runWithSignalHandling starts everything, blocks until SIGINT/SIGTERM,
// then shuts down in reverse order within the timeout.
func runWithSignalHandling(
	ctx context.Context, cfg *config.Config, logger *slog.Logger,
	c components, shutdownTimeout time.Duration,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := c.switcher.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize switcher: %w", err)
	}
	defer func() {
		if err := c.switcher.Stop(); err != nil {
			logger.Warn("switcher stop failed", "error", err)
		}
	}()

	if c.bridge != nil {
		if err := c.bridge.Start(signalCtx, c.switcher); err != nil {
			// Event publishing is best-effort; run without it
			logger.Warn("event bridge unavailable, continuing without it", "error", err)
			c.bridge = nil
		} else {
			defer c.bridge.Stop(c.switcher)
		}
	}

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(cfg.Gateway, logger,
			c.switcher, c.validator, c.scheduler, c.registry)
		if err := gw.Start(); err != nil {
			return fmt.Errorf("start gateway: %w", err)
		}
	}

	logger.Info("fundstream started", "current_source", c.switcher.CurrentSource())

	<-signalCtx.Done()
	logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			logger.Warn("gateway shutdown failed", "error", err)
		}
	}
	if err := c.scheduler.Close(); err != nil {
		logger.Warn("scheduler close failed", "error", err)
	}

	logger.Info("fundstream stopped")
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
