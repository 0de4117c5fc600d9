package kv

import "time"

// Shared cache key builders and TTLs. Every cross-component key lives here so
// the owning component and its readers agree on the layout.

const (
	// TTLRepoMirror applies to the scrape processor's fast-path mirror write
	// of a repo record. The sync engine's canonical write carries no TTL.
	TTLRepoMirror = time.Hour

	// TTLCohesiveness applies to per-repo score snapshots.
	TTLCohesiveness = time.Hour

	// TTLSkipped applies to notify_and_skip records.
	TTLSkipped = 7 * 24 * time.Hour

	// TTLDailyReport applies to daily report snapshots.
	TTLDailyReport = 30 * 24 * time.Hour
)

// StateKey returns the durable state blob key for a component.
func StateKey(component string) string {
	return "state:" + component
}

// RepoKey returns the canonical cache key for a repo record.
func RepoKey(fullName string) string {
	return "repo:" + fullName
}

// CohesivenessKey returns the cache key for a repo's score snapshot.
func CohesivenessKey(fullName string) string {
	return "cohesiveness:" + fullName
}

// CacheKey returns the per-job scratch cache key cleared by healing.
func CacheKey(jobID string) string {
	return "cache:" + jobID
}

// SkippedKey returns the key a skipped healing task is archived under.
func SkippedKey(taskID string) string {
	return "skipped:" + taskID
}

// EscalatedKey returns the key an escalated healing task is archived under.
// Escalations carry no TTL.
func EscalatedKey(taskID string) string {
	return "escalated:" + taskID
}

// DailyReportKey returns the key for the daily report of the given date.
func DailyReportKey(date time.Time) string {
	return "report:daily:" + date.Format("2006-01-02")
}

// MetricsKey returns a rolling metrics key. Metrics keys carry no TTL.
func MetricsKey(name string) string {
	return "metrics:" + name
}
