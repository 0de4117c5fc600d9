package domain

import "time"

// HealingStrategy names one remediation tactic in the escalation graph.
type HealingStrategy string

const (
	StrategyRetryWithBackoff HealingStrategy = "retry_with_backoff"
	StrategyClearCacheRetry  HealingStrategy = "clear_cache_retry"
	StrategySwitchEndpoint   HealingStrategy = "switch_endpoint"
	StrategyReduceBatchSize  HealingStrategy = "reduce_batch_size"
	StrategyNotifyAndSkip    HealingStrategy = "notify_and_skip"
	StrategyFullReset        HealingStrategy = "full_reset"
	StrategyEscalateToAgent  HealingStrategy = "escalate_to_agent"
)

// HealingStatus represents the lifecycle status of a healing task.
// Values include HealingStatusPending, HealingStatusAttempting,
// HealingStatusResolved, and HealingStatusEscalated.
type HealingStatus string

const (
	HealingStatusPending    HealingStatus = "pending"
	HealingStatusAttempting HealingStatus = "attempting"
	HealingStatusResolved   HealingStatus = "resolved"
	HealingStatusEscalated  HealingStatus = "escalated"
)

// IsTerminal reports whether the status permits no further transitions.
// Parameters: none.
// Returns:
//   - bool: true for resolved or escalated.
func (s HealingStatus) IsTerminal() bool {
	return s == HealingStatusResolved || s == HealingStatusEscalated
}

// HealingIssue describes the problem a healing task is remediating.
type HealingIssue struct {
	Type        string                 `json:"type"`
	Severity    string                 `json:"severity"`
	Description string                 `json:"description"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ResolutionMetrics carries cost accounting for a resolution.
type ResolutionMetrics struct {
	TimeToResolveMs int64  `json:"time_to_resolve_ms"`
	ResourcesUsed   string `json:"resources_used,omitempty"`
}

// Resolution records the outcome of the last strategy execution on a task.
type Resolution struct {
	Strategy   HealingStrategy   `json:"strategy"`
	Success    bool              `json:"success"`
	Message    string            `json:"message"`
	Attempt    int               `json:"attempt"`
	ResolvedAt time.Time         `json:"resolved_at"`
	Metrics    ResolutionMetrics `json:"metrics"`
}

// HealingTask represents one remediation work item owned by the self-healer.
// JobID may be synthetic for tasks not spawned by a coordinator job
// (cron-*, scrape-*, worker-error).
type HealingTask struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	Issue       HealingIssue    `json:"issue"`
	Strategy    HealingStrategy `json:"strategy"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Status      HealingStatus   `json:"status"`
	Resolution  *Resolution     `json:"resolution,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ContextString returns a string value from the issue context, or empty.
// Parameters:
//   - key: context key to read.
//
// Returns:
//   - string: value when present and a string, otherwise "".
func (t *HealingTask) ContextString(key string) string {
	if t.Issue.Context == nil {
		return ""
	}
	s, _ := t.Issue.Context[key].(string)
	return s
}

// HealerMetrics holds remediation counters maintained by the self-healer.
type HealerMetrics struct {
	TotalAttempts         int                     `json:"total_attempts"`
	SuccessfulResolutions int                     `json:"successful_resolutions"`
	FailedResolutions     int                     `json:"failed_resolutions"`
	Escalations           int                     `json:"escalations"`
	StrategyUse           map[HealingStrategy]int `json:"strategy_use"`
	StrategySuccess       map[HealingStrategy]int `json:"strategy_success"`
	AverageTimeToResolve  int64                   `json:"average_time_to_resolve_ms"`
}
