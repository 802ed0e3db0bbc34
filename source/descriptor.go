// Package source implements the source registry and switcher: a ranked set
// of upstream data providers with periodic health checks, automatic
// failover across sources on request failure, and a synthetic
// always-available terminal fallback.
package source

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/139QQ/fundstream/config"
)

// skipThreshold is the consecutive-failure count at which an unhealthy
// source is excluded from selection until a health check passes again.
const skipThreshold = 3

// Transport is the HTTP access bound to a selected source. Request
// functions receive it and must route all traffic through Client with
// URLs built from BaseURL.
type Transport struct {
	Client    *http.Client
	BaseURL   string
	Source    string
	Synthetic bool
}

// Descriptor holds one source's static identity and mutable runtime
// health state. Descriptors are built once at startup and mutated in
// place for the process lifetime; they are never removed.
type Descriptor struct {
	Name           string
	BaseURL        string
	Priority       int // lower = preferred
	Timeout        time.Duration
	HealthEndpoint string
	Synthetic      bool

	client  *http.Client
	limiter *rate.Limiter // nil when no budget configured

	mu                  sync.Mutex
	healthy             bool
	lastHealthCheck     *time.Time
	consecutiveFailures int
}

// authTransport attaches static credentials to every outgoing request.
type authTransport struct {
	base    http.RoundTripper
	headers map[string]string
	user    string
	pass    string
	basic   bool
}

// RoundTrip implements http.RoundTripper.
func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range t.headers {
		clone.Header.Set(k, v)
	}
	if t.basic {
		clone.SetBasicAuth(t.user, t.pass)
	}
	return t.base.RoundTrip(clone)
}

// newDescriptor builds a Descriptor from its static configuration.
func newDescriptor(cfg *config.SourceConfig) *Descriptor {
	d := &Descriptor{
		Name:           cfg.Name,
		BaseURL:        cfg.BaseURL,
		Priority:       cfg.Priority,
		Timeout:        cfg.Timeout.Std(),
		HealthEndpoint: cfg.HealthEndpoint,
		Synthetic:      cfg.Synthetic,
	}

	if cfg.Synthetic {
		// Always healthy, never health-checked or rate-limited
		d.healthy = true
		d.client = &http.Client{Transport: newSyntheticRoundTripper(cfg.Name)}
		return d
	}

	var transport http.RoundTripper = http.DefaultTransport
	switch cfg.Auth.Type {
	case config.AuthToken:
		transport = &authTransport{
			base:    transport,
			headers: map[string]string{"Authorization": "Bearer " + cfg.Auth.Token},
		}
	case config.AuthBasic:
		transport = &authTransport{
			base:  transport,
			user:  cfg.Auth.Username,
			pass:  cfg.Auth.Password,
			basic: true,
		}
	case config.AuthHeader:
		transport = &authTransport{base: transport, headers: cfg.Auth.Headers}
	}

	d.client = &http.Client{
		Timeout:   cfg.Timeout.Std(),
		Transport: transport,
	}

	if cfg.RateLimit.Requests > 0 {
		// Budget expressed as requests per rolling window
		perSecond := float64(cfg.RateLimit.Requests) / cfg.RateLimit.Window.Std().Seconds()
		d.limiter = rate.NewLimiter(rate.Limit(perSecond), cfg.RateLimit.Requests)
	}

	return d
}

// transport returns the HTTP access bound to this source.
func (d *Descriptor) transport() *Transport {
	return &Transport{
		Client:    d.client,
		BaseURL:   d.BaseURL,
		Source:    d.Name,
		Synthetic: d.Synthetic,
	}
}

// allowRequest consumes one unit of the source's rate budget.
// Sources without a budget (including synthetic) always allow.
func (d *Descriptor) allowRequest() bool {
	if d.limiter == nil {
		return true
	}
	return d.limiter.Allow()
}

// hasBudget reports whether at least one request remains in the rolling
// budget, without consuming it.
func (d *Descriptor) hasBudget() bool {
	if d.limiter == nil {
		return true
	}
	return d.limiter.Tokens() >= 1
}

// IsHealthy reports the source's current health flag.
func (d *Descriptor) IsHealthy() bool {
	if d.Synthetic {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// ConsecutiveFailures returns the current failure streak.
func (d *Descriptor) ConsecutiveFailures() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.consecutiveFailures
}

// LastHealthCheck returns the time of the last health check, if any.
func (d *Descriptor) LastHealthCheck() *time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lastHealthCheck == nil {
		return nil
	}
	t := *d.lastHealthCheck
	return &t
}

// skipMarked reports whether the source is excluded from selection:
// unhealthy with a failure streak at or past the threshold.
func (d *Descriptor) skipMarked() bool {
	if d.Synthetic {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.healthy && d.consecutiveFailures >= skipThreshold
}

// viable reports whether the source may be selected: healthy with budget
// remaining. Skip-marked sources are always unhealthy, so selection
// reduces to the health flag plus the budget.
func (d *Descriptor) viable() bool {
	if d.Synthetic {
		return true
	}
	if !d.hasBudget() {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

// recordSuccess resets the failure streak and marks the source healthy.
func (d *Descriptor) recordSuccess() {
	if d.Synthetic {
		return
	}
	d.mu.Lock()
	d.consecutiveFailures = 0
	d.healthy = true
	d.mu.Unlock()
}

// recordFailure increments the failure streak and marks the source unhealthy.
func (d *Descriptor) recordFailure() {
	if d.Synthetic {
		return
	}
	d.mu.Lock()
	d.consecutiveFailures++
	d.healthy = false
	d.mu.Unlock()
}

// recordHealthCheck applies a health-check outcome.
func (d *Descriptor) recordHealthCheck(healthy bool, at time.Time) {
	if d.Synthetic {
		return
	}
	d.mu.Lock()
	d.lastHealthCheck = &at
	d.healthy = healthy
	if healthy {
		d.consecutiveFailures = 0
	} else {
		d.consecutiveFailures++
	}
	d.mu.Unlock()
}

// status returns a point-in-time snapshot for reporting.
func (d *Descriptor) status(current bool) SourceStatus {
	d.mu.Lock()
	var lastCheck *time.Time
	if d.lastHealthCheck != nil {
		t := *d.lastHealthCheck
		lastCheck = &t
	}
	healthy := d.healthy || d.Synthetic
	failures := d.consecutiveFailures
	d.mu.Unlock()

	return SourceStatus{
		Name:                d.Name,
		Priority:            d.Priority,
		Healthy:             healthy,
		Synthetic:           d.Synthetic,
		Current:             current,
		SkipMarked:          !healthy && failures >= skipThreshold,
		ConsecutiveFailures: failures,
		LastHealthCheck:     lastCheck,
	}
}
