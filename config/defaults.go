package config

import "time"

// Default data categories validated out of the box.
const (
	CategoryFundBasic    = "fund_basic"
	CategoryFundNAV      = "fund_nav"
	CategoryFundRanking  = "fund_ranking"
	CategoryFundHoldings = "fund_holdings"
)

// SyntheticSourceName is the reserved name for the terminal fallback source.
const SyntheticSourceName = "synthetic"

// DefaultRules returns the shipped consistency rules. NAV carries the
// tightest variance since price precision matters most there.
func DefaultRules() []RuleConfig {
	return []RuleConfig{
		{
			Category:        CategoryFundBasic,
			Fields:          []string{"fund_code", "fund_name", "fund_type", "company"},
			AllowedVariance: 0.05,
			Window:          Duration(24 * time.Hour),
			Fallback:        FallbackMostRecent,
		},
		{
			Category:        CategoryFundNAV,
			Fields:          []string{"fund_code", "nav", "accumulated_nav", "nav_date"},
			AllowedVariance: 0.001,
			Window:          Duration(1 * time.Hour),
			Fallback:        FallbackPrimarySource,
		},
		{
			Category:        CategoryFundRanking,
			Fields:          []string{"fund_code", "rank", "return_1y", "return_3y"},
			AllowedVariance: 0.1,
			Window:          Duration(6 * time.Hour),
			Fallback:        FallbackMedian,
		},
		{
			Category:        CategoryFundHoldings,
			Fields:          []string{"fund_code", "stock_code", "weight", "shares"},
			AllowedVariance: 0.05,
			Window:          Duration(24 * time.Hour),
			Fallback:        FallbackWeightedAverage,
		},
	}
}

// DefaultConfig returns a complete configuration with default tunables and
// only the synthetic source registered. Real deployments add upstream
// sources via the config file.
func DefaultConfig() *Config {
	return &Config{
		Sources: []SourceConfig{
			{
				Name:      SyntheticSourceName,
				Priority:  999,
				Synthetic: true,
			},
		},
		Consistency: DefaultRules(),
		Switcher: SwitcherConfig{
			HealthInterval:   Duration(2 * time.Minute),
			HealthRTTCeiling: Duration(5 * time.Second),
			SwitchCooldown:   Duration(5 * time.Minute),
			EventHistory:     100,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:   3,
			CacheTTL:        Duration(30 * time.Minute),
			CacheSweep:      Duration(5 * time.Minute),
			CacheMaxEntries: 100,
			PreloadMaxWait:  Duration(5 * time.Second),
			PreloadPoll:     Duration(50 * time.Millisecond),
		},
		Violations: ViolationLogConfig{
			Capacity: 500,
		},
		Events: EventsConfig{
			SwitchSubject:    "fundstream.events.switch",
			ViolationSubject: "fundstream.events.violation",
		},
		Gateway: GatewayConfig{
			ListenAddr: ":8080",
			Enabled:    true,
		},
	}
}
