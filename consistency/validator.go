package consistency

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/metric"
)

// Verdict is the outcome of one validation call. Invalid verdicts are
// advisory; the caller decides whether to discard the data using the
// rule's fallback strategy.
type Verdict struct {
	Valid      bool           `json:"valid"`
	Confidence float64        `json:"confidence"`
	Message    string         `json:"message"`
	Severity   Severity       `json:"severity"`
	Details    map[string]any `json:"details,omitempty"`
}

// Metadata is a category's rolling last-known-good anchor.
type Metadata struct {
	Category      string     `json:"category"`
	LastChecksum  string     `json:"last_checksum,omitempty"`
	LastValidAt   time.Time  `json:"last_valid_at"`
	LastSource    string     `json:"last_source,omitempty"`
	LastInvalidAt *time.Time `json:"last_invalid_at,omitempty"`
	Validations   uint64     `json:"validations"`
	Valid         uint64     `json:"valid"`
	Invalid       uint64     `json:"invalid"`
}

// ViolationFunc observes appended violations, e.g. for event publishing.
// It must not block.
type ViolationFunc func(Violation)

// Option configures a Validator.
type Option func(*Validator)

// WithViolationCallback registers an observer invoked for every violation.
func WithViolationCallback(fn ViolationFunc) Option {
	return func(v *Validator) {
		v.onViolation = fn
	}
}

// WithMetrics enables validation metrics.
func WithMetrics(m *metric.Metrics) Option {
	return func(v *Validator) {
		v.metrics = m
	}
}

// Validator checks freshly fetched record batches against each category's
// recent history. All work is synchronous, in-memory comparison; it never
// performs I/O.
type Validator struct {
	rules  map[string]Rule
	logger *slog.Logger

	mu       sync.Mutex
	metadata map[string]*Metadata

	violations  *violationLog
	onViolation ViolationFunc
	metrics     *metric.Metrics
}

// NewValidator builds a Validator from rule configuration.
func NewValidator(
	ruleCfgs []config.RuleConfig, logCfg config.ViolationLogConfig,
	logger *slog.Logger, opts ...Option,
) (*Validator, error) {
	rules, err := RulesFromConfig(ruleCfgs)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	v := &Validator{
		rules:      rules,
		logger:     logger.With("component", "validator"),
		metadata:   make(map[string]*Metadata),
		violations: newViolationLog(logCfg.Capacity),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Rule returns the rule for a category, if one exists.
func (v *Validator) Rule(category string) (Rule, bool) {
	r, ok := v.rules[category]
	return r, ok
}

// Validate decides whether a freshly fetched batch is consistent with the
// category's recent history and records the outcome.
func (v *Validator) Validate(category string, records []Record, source string) Verdict {
	rule, ok := v.rules[category]
	if !ok {
		// No rule means no opinion
		return Verdict{Valid: true, Confidence: 1.0, Severity: SeverityInfo,
			Message: "no consistency rule for category"}
	}

	checksum := Checksum(records, rule.Fields)
	now := time.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	meta := v.metadata[category]
	if meta == nil {
		meta = &Metadata{Category: category}
		v.metadata[category] = meta
	}

	verdict := v.decide(rule, meta, checksum, now)
	v.applyOutcome(meta, verdict, checksum, source, now)

	if !verdict.Valid {
		v.recordViolation(rule, meta, verdict, checksum, source, now)
	}

	if v.metrics != nil {
		v.metrics.ValidationsTotal.
			WithLabelValues(category, strconv.FormatBool(verdict.Valid)).Inc()
	}
	return verdict
}

// decide runs the comparison against the anchor. Caller holds v.mu.
func (v *Validator) decide(rule Rule, meta *Metadata, checksum string, now time.Time) Verdict {
	if meta.LastChecksum == "" {
		return Verdict{Valid: true, Confidence: 1.0, Severity: SeverityInfo,
			Message: "first observation establishes the baseline"}
	}

	if now.Sub(meta.LastValidAt) > rule.Window {
		return Verdict{Valid: true, Confidence: 0.8, Severity: SeverityInfo,
			Message: "baseline stale, re-anchoring",
			Details: map[string]any{
				"baseline_age": now.Sub(meta.LastValidAt).String(),
				"window":       rule.Window.String(),
			}}
	}

	diff := Difference(meta.LastChecksum, checksum)
	details := map[string]any{
		"difference":       diff,
		"allowed_variance": rule.AllowedVariance,
	}

	if diff <= rule.AllowedVariance {
		confidence := 1.0
		if rule.AllowedVariance > 0 {
			confidence = 1.0 - 0.2*(diff/rule.AllowedVariance)
		}
		return Verdict{Valid: true, Confidence: confidence, Severity: SeverityInfo,
			Message: "within allowed variance", Details: details}
	}

	return Verdict{Valid: false, Confidence: 0.3, Severity: SeverityWarning,
		Message: fmt.Sprintf("checksum difference %.4f exceeds allowed variance %.4f",
			diff, rule.AllowedVariance),
		Details: details}
}

// applyOutcome updates the category anchor. Invalid outcomes leave the
// anchor checksum untouched so later comparisons still run against the
// last known-good value. Caller holds v.mu.
func (v *Validator) applyOutcome(
	meta *Metadata, verdict Verdict, checksum, source string, now time.Time,
) {
	meta.Validations++
	if verdict.Valid {
		meta.Valid++
		meta.LastChecksum = checksum
		meta.LastValidAt = now
		meta.LastSource = source
		return
	}
	meta.Invalid++
	t := now
	meta.LastInvalidAt = &t
}

func (v *Validator) recordViolation(
	rule Rule, meta *Metadata, verdict Verdict, checksum, source string, now time.Time,
) {
	violation := Violation{
		Category:         rule.Category,
		Timestamp:        now,
		ExpectedChecksum: meta.LastChecksum,
		ActualChecksum:   checksum,
		Source:           source,
		Message:          verdict.Message,
		Severity:         verdict.Severity,
	}
	v.violations.append(violation)

	if v.metrics != nil {
		v.metrics.ViolationsTotal.
			WithLabelValues(rule.Category, string(verdict.Severity)).Inc()
	}
	if v.onViolation != nil {
		v.onViolation(violation)
	}

	v.logger.Warn("consistency violation",
		"category", rule.Category,
		"source", source,
		"severity", verdict.Severity,
		"message", verdict.Message)
}

// MetadataSnapshot returns a copy of a category's anchor, if one exists.
func (v *Validator) MetadataSnapshot(category string) (Metadata, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	meta, ok := v.metadata[category]
	if !ok {
		return Metadata{}, false
	}
	return cloneMetadata(meta), true
}

// Reset drops a category's anchor and counters so the next validation
// re-establishes the baseline.
func (v *Validator) Reset(category string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.metadata, category)
}

// ResetAll drops every anchor and clears the violation log.
func (v *Validator) ResetAll() {
	v.mu.Lock()
	v.metadata = make(map[string]*Metadata)
	v.mu.Unlock()
	v.violations.reset()
}

func cloneMetadata(meta *Metadata) Metadata {
	out := *meta
	if meta.LastInvalidAt != nil {
		t := *meta.LastInvalidAt
		out.LastInvalidAt = &t
	}
	return out
}
