package consistency

import (
	"time"

	"github.com/139QQ/fundstream/config"
	"github.com/139QQ/fundstream/errors"
)

// Rule is a per-category consistency policy, fixed at startup.
type Rule struct {
	Category        string
	Fields          []string
	AllowedVariance float64
	Window          time.Duration

	// Fallback names the strategy downstream consumers should apply when
	// discarding invalid data. The validator records it but never acts
	// on it.
	Fallback string
}

// RulesFromConfig indexes validated rule configuration by category.
func RulesFromConfig(cfgs []config.RuleConfig) (map[string]Rule, error) {
	rules := make(map[string]Rule, len(cfgs))
	for i := range cfgs {
		c := &cfgs[i]
		if err := c.Validate(); err != nil {
			return nil, errors.WrapInvalid(err, "Validator", "RulesFromConfig", c.Category)
		}
		if _, exists := rules[c.Category]; exists {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Validator", "RulesFromConfig",
				"duplicate rule for category "+c.Category)
		}
		rules[c.Category] = Rule{
			Category:        c.Category,
			Fields:          append([]string(nil), c.Fields...),
			AllowedVariance: c.AllowedVariance,
			Window:          c.Window.Std(),
			Fallback:        c.Fallback,
		}
	}
	return rules, nil
}
