package healer

import (
	"time"

	"github.com/blackroad/repoplane/internal/domain"
)

// StrategyConfig describes one node of the escalation graph: its attempt
// budget, per-attempt backoff schedule, and the strategy to transition to
// once exhausted. Next is empty for terminal nodes.
type StrategyConfig struct {
	MaxAttempts int
	Backoff     []time.Duration
	Next        domain.HealingStrategy
}

// strategyTable is the escalation graph as data. Tests enumerate transitions
// directly from this table.
var strategyTable = map[domain.HealingStrategy]StrategyConfig{
	domain.StrategyRetryWithBackoff: {
		MaxAttempts: 5,
		Backoff: []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
		},
		Next: domain.StrategyClearCacheRetry,
	},
	domain.StrategyClearCacheRetry: {
		MaxAttempts: 2,
		Backoff:     []time.Duration{2 * time.Second, 5 * time.Second},
		Next:        domain.StrategySwitchEndpoint,
	},
	domain.StrategySwitchEndpoint: {
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second},
		Next:        domain.StrategyReduceBatchSize,
	},
	domain.StrategyReduceBatchSize: {
		MaxAttempts: 3,
		Backoff:     []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second},
		Next:        domain.StrategyNotifyAndSkip,
	},
	domain.StrategyNotifyAndSkip: {
		MaxAttempts: 1,
		Backoff:     []time.Duration{0},
		Next:        domain.StrategyEscalateToAgent,
	},
	domain.StrategyFullReset: {
		MaxAttempts: 1,
		Backoff:     []time.Duration{5 * time.Second},
		Next:        domain.StrategyEscalateToAgent,
	},
	domain.StrategyEscalateToAgent: {
		MaxAttempts: 1,
		Backoff:     []time.Duration{0},
	},
}

// ConfigFor returns the escalation graph node for strategy.
// Parameters:
//   - strategy: strategy to look up.
//
// Returns:
//   - StrategyConfig: node configuration.
//   - bool: false for unknown strategies.
func ConfigFor(strategy domain.HealingStrategy) (StrategyConfig, bool) {
	cfg, ok := strategyTable[strategy]
	return cfg, ok
}

// backoffFor returns the sleep before attempt (0-based index) of strategy.
// Attempts past the end of the schedule reuse the last entry.
func backoffFor(strategy domain.HealingStrategy, attempt int) time.Duration {
	cfg, ok := strategyTable[strategy]
	if !ok || len(cfg.Backoff) == 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(cfg.Backoff) {
		attempt = len(cfg.Backoff) - 1
	}
	return cfg.Backoff[attempt]
}
