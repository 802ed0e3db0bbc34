package consistency

import (
	"time"
)

// reportWindow bounds how far back GetReport looks for violations.
const reportWindow = 24 * time.Hour

// Report aggregates validation outcomes for observability surfaces. It
// never feeds back into validation decisions.
type Report struct {
	GeneratedAt      time.Time           `json:"generated_at"`
	TotalValidations uint64              `json:"total_validations"`
	TotalValid       uint64              `json:"total_valid"`
	TotalInvalid     uint64              `json:"total_invalid"`
	SuccessRate      float64             `json:"success_rate"`
	RecentViolations []Violation         `json:"recent_violations"`
	Categories       map[string]Metadata `json:"categories"`
}

// GetReport snapshots counters across all categories plus violations from
// the last 24 hours.
func (v *Validator) GetReport() Report {
	now := time.Now()

	v.mu.Lock()
	categories := make(map[string]Metadata, len(v.metadata))
	var total, valid, invalid uint64
	for name, meta := range v.metadata {
		categories[name] = cloneMetadata(meta)
		total += meta.Validations
		valid += meta.Valid
		invalid += meta.Invalid
	}
	v.mu.Unlock()

	rate := 1.0
	if total > 0 {
		rate = float64(valid) / float64(total)
	}

	return Report{
		GeneratedAt:      now,
		TotalValidations: total,
		TotalValid:       valid,
		TotalInvalid:     invalid,
		SuccessRate:      rate,
		RecentViolations: v.violations.since(now.Add(-reportWindow)),
		Categories:       categories,
	}
}
