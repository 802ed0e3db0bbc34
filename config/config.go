// Package config defines the static configuration surface for fundstream:
// upstream source descriptors, per-category consistency rules, scheduler
// tunables, and the observability endpoints. Configuration is loaded once
// at startup and read-only afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Auth type constants
const (
	AuthNone   = "none"   // No authentication
	AuthToken  = "token"  // Bearer token header
	AuthBasic  = "basic"  // HTTP basic auth
	AuthHeader = "header" // Arbitrary static headers
)

// Fallback strategy constants for consistency rules. The validator records
// these for downstream consumers; it does not apply them itself.
const (
	FallbackMostRecent      = "use_most_recent"
	FallbackAverage         = "use_average"
	FallbackMedian          = "use_median"
	FallbackPrimarySource   = "use_primary_source"
	FallbackWeightedAverage = "use_weighted_average"
)

// validFallbacks is the closed set of fallback strategies.
var validFallbacks = map[string]bool{
	FallbackMostRecent:      true,
	FallbackAverage:         true,
	FallbackMedian:          true,
	FallbackPrimarySource:   true,
	FallbackWeightedAverage: true,
}

// AuthConfig describes how credentials are attached to source requests.
type AuthConfig struct {
	Type     string            `json:"type" yaml:"type"`
	Token    string            `json:"token,omitempty" yaml:"token,omitempty"`
	Username string            `json:"username,omitempty" yaml:"username,omitempty"`
	Password string            `json:"password,omitempty" yaml:"password,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// RateLimitConfig is a source's rolling request budget.
type RateLimitConfig struct {
	Requests int      `json:"requests" yaml:"requests"`
	Window   Duration `json:"window" yaml:"window"`
}

// SourceConfig describes one upstream data provider.
type SourceConfig struct {
	Name           string          `json:"name" yaml:"name"`
	BaseURL        string          `json:"base_url" yaml:"base_url"`
	Priority       int             `json:"priority" yaml:"priority"` // lower = preferred
	Timeout        Duration        `json:"timeout" yaml:"timeout"`
	HealthEndpoint string          `json:"health_endpoint" yaml:"health_endpoint"`
	Auth           AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit      RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Synthetic      bool            `json:"synthetic" yaml:"synthetic"`
}

// Validate checks a source configuration.
func (s *SourceConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("source name cannot be empty")
	}
	if s.Synthetic {
		// The synthetic source never performs network I/O; endpoint,
		// health-check, and rate-limit settings do not apply.
		return nil
	}
	if s.BaseURL == "" {
		return fmt.Errorf("source %s: base_url cannot be empty", s.Name)
	}
	if _, err := url.ParseRequestURI(s.BaseURL); err != nil {
		return fmt.Errorf("source %s: invalid base_url: %w", s.Name, err)
	}
	if s.Priority < 0 {
		return fmt.Errorf("source %s: priority cannot be negative", s.Name)
	}
	if s.Timeout.Std() < 0 {
		return fmt.Errorf("source %s: timeout cannot be negative", s.Name)
	}
	switch s.Auth.Type {
	case "", AuthNone:
	case AuthToken:
		if s.Auth.Token == "" {
			return fmt.Errorf("source %s: token auth requires a token", s.Name)
		}
	case AuthBasic:
		if s.Auth.Username == "" {
			return fmt.Errorf("source %s: basic auth requires a username", s.Name)
		}
	case AuthHeader:
		if len(s.Auth.Headers) == 0 {
			return fmt.Errorf("source %s: header auth requires headers", s.Name)
		}
	default:
		return fmt.Errorf("source %s: unknown auth type %q", s.Name, s.Auth.Type)
	}
	if s.RateLimit.Requests < 0 {
		return fmt.Errorf("source %s: rate limit requests cannot be negative", s.Name)
	}
	if s.RateLimit.Requests > 0 && s.RateLimit.Window.Std() <= 0 {
		return fmt.Errorf("source %s: rate limit window must be positive", s.Name)
	}
	return nil
}

// RuleConfig describes the consistency rule for one data category.
type RuleConfig struct {
	Category        string   `json:"category" yaml:"category"`
	Fields          []string `json:"fields" yaml:"fields"`
	AllowedVariance float64  `json:"allowed_variance" yaml:"allowed_variance"`
	Window          Duration `json:"window" yaml:"window"`
	Fallback        string   `json:"fallback" yaml:"fallback"`
}

// Validate checks a rule configuration.
func (r *RuleConfig) Validate() error {
	if r.Category == "" {
		return fmt.Errorf("rule category cannot be empty")
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("rule %s: fields cannot be empty", r.Category)
	}
	if r.AllowedVariance < 0 || r.AllowedVariance > 1 {
		return fmt.Errorf("rule %s: allowed_variance must be in [0,1]", r.Category)
	}
	if r.Window.Std() <= 0 {
		return fmt.Errorf("rule %s: window must be positive", r.Category)
	}
	if !validFallbacks[r.Fallback] {
		return fmt.Errorf("rule %s: unknown fallback strategy %q", r.Category, r.Fallback)
	}
	return nil
}

// SwitcherConfig holds source-selection tunables.
type SwitcherConfig struct {
	HealthInterval   Duration `json:"health_interval" yaml:"health_interval"`
	HealthRTTCeiling Duration `json:"health_rtt_ceiling" yaml:"health_rtt_ceiling"`
	SwitchCooldown   Duration `json:"switch_cooldown" yaml:"switch_cooldown"`
	EventHistory     int      `json:"event_history" yaml:"event_history"`
}

// SchedulerConfig holds task scheduling and cache tunables.
type SchedulerConfig struct {
	MaxConcurrent   int      `json:"max_concurrent" yaml:"max_concurrent"`
	CacheTTL        Duration `json:"cache_ttl" yaml:"cache_ttl"`
	CacheSweep      Duration `json:"cache_sweep" yaml:"cache_sweep"`
	CacheMaxEntries int      `json:"cache_max_entries" yaml:"cache_max_entries"`
	PreloadMaxWait  Duration `json:"preload_max_wait" yaml:"preload_max_wait"`
	PreloadPoll     Duration `json:"preload_poll" yaml:"preload_poll"`
}

// ViolationLogConfig bounds the validator's violation history.
type ViolationLogConfig struct {
	Capacity int `json:"capacity" yaml:"capacity"`
}

// EventsConfig configures the optional NATS event bridge.
// An empty URL disables publishing.
type EventsConfig struct {
	NATSURL          string `json:"nats_url" yaml:"nats_url"`
	SwitchSubject    string `json:"switch_subject" yaml:"switch_subject"`
	ViolationSubject string `json:"violation_subject" yaml:"violation_subject"`
}

// GatewayConfig configures the HTTP observability endpoint.
type GatewayConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	Enabled    bool   `json:"enabled" yaml:"enabled"`
}

// Config is the complete application configuration.
type Config struct {
	Sources     []SourceConfig     `json:"sources" yaml:"sources"`
	Consistency []RuleConfig       `json:"consistency" yaml:"consistency"`
	Switcher    SwitcherConfig     `json:"switcher" yaml:"switcher"`
	Scheduler   SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Violations  ViolationLogConfig `json:"violations" yaml:"violations"`
	Events      EventsConfig       `json:"events" yaml:"events"`
	Gateway     GatewayConfig      `json:"gateway" yaml:"gateway"`
}

// Validate checks the complete configuration.
func (c *Config) Validate() error {
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}

	syntheticCount := 0
	names := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if err := src.Validate(); err != nil {
			return err
		}
		if names[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		names[src.Name] = true
		if src.Synthetic {
			syntheticCount++
		}
	}
	if syntheticCount != 1 {
		return fmt.Errorf("exactly one synthetic source is required, got %d", syntheticCount)
	}

	categories := make(map[string]bool, len(c.Consistency))
	for i := range c.Consistency {
		rule := &c.Consistency[i]
		if err := rule.Validate(); err != nil {
			return err
		}
		if categories[rule.Category] {
			return fmt.Errorf("duplicate consistency rule for category %q", rule.Category)
		}
		categories[rule.Category] = true
	}

	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler max_concurrent must be positive")
	}
	if c.Scheduler.CacheTTL.Std() <= 0 {
		return fmt.Errorf("scheduler cache_ttl must be positive")
	}
	if c.Scheduler.CacheMaxEntries <= 0 {
		return fmt.Errorf("scheduler cache_max_entries must be positive")
	}
	if c.Switcher.HealthInterval.Std() <= 0 {
		return fmt.Errorf("switcher health_interval must be positive")
	}
	if c.Switcher.SwitchCooldown.Std() < 0 {
		return fmt.Errorf("switcher switch_cooldown cannot be negative")
	}
	if c.Gateway.Enabled && c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway listen_addr is required when enabled")
	}

	return nil
}

// applyDefaults fills unset tunables with their defaults.
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if c.Switcher.HealthInterval == 0 {
		c.Switcher.HealthInterval = def.Switcher.HealthInterval
	}
	if c.Switcher.HealthRTTCeiling == 0 {
		c.Switcher.HealthRTTCeiling = def.Switcher.HealthRTTCeiling
	}
	if c.Switcher.SwitchCooldown == 0 {
		c.Switcher.SwitchCooldown = def.Switcher.SwitchCooldown
	}
	if c.Switcher.EventHistory == 0 {
		c.Switcher.EventHistory = def.Switcher.EventHistory
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = def.Scheduler.MaxConcurrent
	}
	if c.Scheduler.CacheTTL == 0 {
		c.Scheduler.CacheTTL = def.Scheduler.CacheTTL
	}
	if c.Scheduler.CacheSweep == 0 {
		c.Scheduler.CacheSweep = def.Scheduler.CacheSweep
	}
	if c.Scheduler.CacheMaxEntries == 0 {
		c.Scheduler.CacheMaxEntries = def.Scheduler.CacheMaxEntries
	}
	if c.Scheduler.PreloadMaxWait == 0 {
		c.Scheduler.PreloadMaxWait = def.Scheduler.PreloadMaxWait
	}
	if c.Scheduler.PreloadPoll == 0 {
		c.Scheduler.PreloadPoll = def.Scheduler.PreloadPoll
	}
	if c.Violations.Capacity == 0 {
		c.Violations.Capacity = def.Violations.Capacity
	}
	if len(c.Consistency) == 0 {
		c.Consistency = def.Consistency
	}
	if c.Events.SwitchSubject == "" {
		c.Events.SwitchSubject = def.Events.SwitchSubject
	}
	if c.Events.ViolationSubject == "" {
		c.Events.ViolationSubject = def.Events.ViolationSubject
	}

	for i := range c.Sources {
		if c.Sources[i].Timeout == 0 {
			c.Sources[i].Timeout = Duration(10 * time.Second)
		}
	}
}

// Load reads, defaults, and validates a configuration file. YAML or JSON
// is selected by file extension.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}
