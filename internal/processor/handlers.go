package processor

import (
	"context"
	"fmt"

	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/ids"
	"github.com/blackroad/repoplane/internal/kv"
	"github.com/blackroad/repoplane/internal/logger"
)

// dispatchJob executes one job by type and returns a human-readable result.
// Validation errors wrap domain.ErrValidation and are never retried.
func (p *Processor) dispatchJob(ctx context.Context, job *domain.Job) (string, error) {
	switch job.Type {
	case domain.JobTypeScrapeRepo:
		repo := job.Payload.String("repoName")
		if repo == "" {
			return "", fmt.Errorf("scrape_repo requires payload.repoName: %w", domain.ErrValidation)
		}
		task := &domain.ScrapeTask{
			ID:         ids.NewID(),
			Repo:       repo,
			ScrapeType: domain.ScrapeTypeFull,
			Priority:   job.Priority,
		}
		if err := p.queue.EnqueueScrape(ctx, task); err != nil {
			return "", fmt.Errorf("failed to enqueue scrape: %w", err)
		}
		return fmt.Sprintf("scrape task %s enqueued for %s", task.ID, repo), nil

	case domain.JobTypeSyncContent:
		repo := job.Payload.String("repoName")
		if repo == "" {
			return "", fmt.Errorf("sync_content requires payload.repoName: %w", domain.ErrValidation)
		}
		task, err := p.engine.SyncRepo(ctx, repo)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("sync scrape %s enqueued for %s", task.ID, repo), nil

	case domain.JobTypeFullSync:
		res, err := p.engine.TriggerFullSync(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("full sync enqueued %d scrape tasks", res.Enqueued), nil

	case domain.JobTypeCheckCohesiveness:
		res, err := p.engine.TriggerCohesivenessCheck(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("checked %d repos, %d healing tasks", res.Checked, res.HealingTasks), nil

	case domain.JobTypeCleanup:
		res, err := p.coord.Cleanup(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("cleaned %d jobs, %d remaining", res.Cleaned, res.Remaining), nil

	case domain.JobTypeUpdateCache:
		written, err := p.engine.RefreshCache(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("refreshed %d cache entries", written), nil

	case domain.JobTypeNotify:
		record := map[string]interface{}{
			"jobId":      job.ID,
			"payload":    job.Payload,
			"notifiedAt": p.clock.Now(),
		}
		if err := p.store.SetJSON(kv.MetricsKey("notify:last"), record, 0); err != nil {
			return "", fmt.Errorf("failed to record notification: %w", err)
		}
		p.log.WithFields(logger.Fields{
			logger.FieldJobID: job.ID,
			"issue":           job.Payload.String("issueType"),
		}).Warn("Escalation notification")
		return "notification recorded", nil

	case domain.JobTypeSelfHeal:
		report := p.healer.HealthCheck(ctx)
		return fmt.Sprintf("health: healthy=%t critical=%t pending=%d", report.Healthy, report.Critical, report.PendingTasks), nil

	default:
		return "", fmt.Errorf("unknown job type %q: %w", job.Type, domain.ErrValidation)
	}
}
