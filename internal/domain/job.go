package domain

import "time"

// JobStatus represents the lifecycle status of a coordinator job.
// Values include JobStatusPending, JobStatusRunning, JobStatusCompleted,
// JobStatusFailed, and JobStatusHealing.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusHealing   JobStatus = "healing"
)

// JobType represents the kind of work a job carries.
type JobType string

const (
	JobTypeScrapeRepo        JobType = "scrape_repo"
	JobTypeSyncContent       JobType = "sync_content"
	JobTypeCheckCohesiveness JobType = "check_cohesiveness"
	JobTypeSelfHeal          JobType = "self_heal"
	JobTypeUpdateCache       JobType = "update_cache"
	JobTypeFullSync          JobType = "full_sync"
	JobTypeCleanup           JobType = "cleanup"
	JobTypeNotify            JobType = "notify"
)

// JobPriority represents the scheduling priority of a job.
// Values include JobPriorityCritical, JobPriorityHigh, JobPriorityNormal,
// and JobPriorityLow.
type JobPriority string

const (
	JobPriorityCritical JobPriority = "critical"
	JobPriorityHigh     JobPriority = "high"
	JobPriorityNormal   JobPriority = "normal"
	JobPriorityLow      JobPriority = "low"
)

// priorityRank orders priorities for listing: critical sorts first.
var priorityRank = map[JobPriority]int{
	JobPriorityCritical: 0,
	JobPriorityHigh:     1,
	JobPriorityNormal:   2,
	JobPriorityLow:      3,
}

// Rank returns the sort rank of the priority; unknown priorities sort last.
// Parameters: none.
// Returns:
//   - int: ascending rank, critical = 0.
func (p JobPriority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Payload is an opaque key/value bag attached to a job.
type Payload map[string]interface{}

// String returns the payload value under key as a string, or empty.
// Parameters:
//   - key: payload key to read.
//
// Returns:
//   - string: value when present and a string, otherwise "".
func (p Payload) String(key string) string {
	if p == nil {
		return ""
	}
	s, _ := p[key].(string)
	return s
}

// Job represents a unit of scheduled work tracked by the coordinator.
type Job struct {
	ID              string      `json:"id"`
	Type            JobType     `json:"type"`
	Status          JobStatus   `json:"status"`
	Priority        JobPriority `json:"priority"`
	Payload         Payload     `json:"payload"`
	RetryCount      int         `json:"retry_count"`
	MaxRetries      int         `json:"max_retries"`
	HealingAttempts int         `json:"healing_attempts"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	Error           string      `json:"error,omitempty"`
	Result          string      `json:"result,omitempty"`
}

// IsTerminal reports whether the job has reached a status eligible for cleanup.
// Parameters: none.
// Returns:
//   - bool: true for completed or failed jobs.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// EffectiveCompletionTime returns the timestamp the cleanup horizon is
// evaluated against.
// Parameters: none.
// Returns:
//   - time.Time: CompletedAt when set, otherwise UpdatedAt.
func (j *Job) EffectiveCompletionTime() time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.UpdatedAt
}

// JobMetrics holds coordinator-wide counters plus recomputed per-status counts.
type JobMetrics struct {
	TotalCreated   int               `json:"total_created"`
	TotalCompleted int               `json:"total_completed"`
	TotalFailed    int               `json:"total_failed"`
	TotalHealing   int               `json:"total_healing"`
	ByStatus       map[JobStatus]int `json:"by_status"`
}
