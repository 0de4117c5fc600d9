package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/blackroad/repoplane/internal/coordinator"
	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/healer"
	"github.com/blackroad/repoplane/internal/ids"
	"github.com/blackroad/repoplane/internal/logger"
	"github.com/blackroad/repoplane/internal/report"
	"github.com/blackroad/repoplane/internal/syncengine"
)

// HealingQueue receives the full_reset tasks the stuck-job pass files.
type HealingQueue interface {
	EnqueueHealing(ctx context.Context, task *domain.HealingTask) error
}

// Scheduler drives the periodic triggers: the healing check every five
// minutes, the incremental scrape on the configured interval, the
// cohesiveness pass hourly, and the daily full sync + cleanup + report at
// midnight.
type Scheduler struct {
	coord          *coordinator.Coordinator
	engine         *syncengine.Engine
	healer         *healer.Healer
	reports        *report.Builder
	queue          HealingQueue
	clock          ids.Clock
	scrapeInterval time.Duration
	log            *logger.Logger
}

// New creates the scheduler.
// Parameters:
//   - coord: job coordinator.
//   - engine: repo sync engine.
//   - h: self-healer.
//   - reports: daily report builder.
//   - queue: healing queue for stuck-job remediation.
//   - clock: time source.
//   - scrapeIntervalMinutes: incremental scrape cadence; <=0 means 30.
//   - log: component logger.
//
// Returns:
//   - *Scheduler: ready scheduler.
func New(
	coord *coordinator.Coordinator,
	engine *syncengine.Engine,
	h *healer.Healer,
	reports *report.Builder,
	queue HealingQueue,
	clock ids.Clock,
	scrapeIntervalMinutes int,
	log *logger.Logger,
) *Scheduler {
	if scrapeIntervalMinutes <= 0 {
		scrapeIntervalMinutes = 30
	}
	return &Scheduler{
		coord:          coord,
		engine:         engine,
		healer:         h,
		reports:        reports,
		queue:          queue,
		clock:          clock,
		scrapeInterval: time.Duration(scrapeIntervalMinutes) * time.Minute,
		log:            log.WithField(logger.FieldComponent, "cron"),
	}
}

// Run blocks until the context is cancelled, firing the periodic triggers.
// Parameters:
//   - ctx: context whose cancellation stops the scheduler.
//
// Returns: none.
func (s *Scheduler) Run(ctx context.Context) {
	healing := time.NewTicker(5 * time.Minute)
	scrape := time.NewTicker(s.scrapeInterval)
	cohesiveness := time.NewTicker(time.Hour)
	defer healing.Stop()
	defer scrape.Stop()
	defer cohesiveness.Stop()

	daily := time.NewTimer(untilNextMidnight(s.clock.Now()))
	defer daily.Stop()

	s.log.Infof("Scheduler started, incremental scrape every %s", s.scrapeInterval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped")
			return
		case <-healing.C:
			s.HealingCheck(ctx)
		case <-scrape.C:
			if _, err := s.engine.TriggerIncrementalSync(ctx); err != nil {
				s.log.WithError(err).Error("Incremental sync trigger failed")
			}
		case <-cohesiveness.C:
			if _, err := s.engine.TriggerCohesivenessCheck(ctx); err != nil {
				s.log.WithError(err).Error("Cohesiveness trigger failed")
			}
		case <-daily.C:
			s.DailyPass(ctx)
			daily.Reset(untilNextMidnight(s.clock.Now()))
		}
	}
}

// HealingCheck runs the five-minute pass: the healer's health check plus
// stuck-job detection, filing a full_reset healing task per stuck job.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - int: number of healing tasks filed for stuck jobs.
func (s *Scheduler) HealingCheck(ctx context.Context) int {
	health := s.healer.HealthCheck(ctx)
	if health.Critical {
		s.log.Warnf("Healing escalation rate at %.0f%%", health.EscalationRate*100)
	}
	for _, w := range health.Warnings {
		s.log.Warn(w)
	}

	filed := 0
	for _, job := range s.coord.StuckJobs(ctx) {
		now := s.clock.Now()
		task := &domain.HealingTask{
			ID:    ids.NewID(),
			JobID: job.ID,
			Issue: domain.HealingIssue{
				Type:        "stuck_job",
				Severity:    "high",
				Description: fmt.Sprintf("job %s stuck in running since %s", job.ID, job.UpdatedAt.Format(time.RFC3339)),
				Context:     map[string]interface{}(job.Payload),
			},
			Strategy:    domain.StrategyFullReset,
			MaxAttempts: 1,
			Status:      domain.HealingStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.queue.EnqueueHealing(ctx, task); err != nil {
			s.log.WithError(err).WithField(logger.FieldJobID, job.ID).Error("Failed to file stuck-job healing task")
			continue
		}
		filed++
	}
	return filed
}

// DailyPass runs the midnight batch: full sync, cleanup, and the daily
// report.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns: none.
func (s *Scheduler) DailyPass(ctx context.Context) {
	if _, err := s.engine.TriggerFullSync(ctx); err != nil {
		s.log.WithError(err).Error("Daily full sync failed")
	}
	if _, err := s.coord.Cleanup(ctx); err != nil {
		s.log.WithError(err).Error("Daily cleanup failed")
	}
	if _, err := s.reports.Generate(ctx); err != nil {
		s.log.WithError(err).Error("Daily report failed")
	}
}

// untilNextMidnight returns the duration from now to the next local
// midnight.
func untilNextMidnight(now time.Time) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).Add(24 * time.Hour)
	return next.Sub(now)
}
