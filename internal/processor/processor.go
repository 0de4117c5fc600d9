package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blackroad/repoplane/internal/coordinator"
	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/healer"
	"github.com/blackroad/repoplane/internal/ids"
	"github.com/blackroad/repoplane/internal/kv"
	"github.com/blackroad/repoplane/internal/logger"
	"github.com/blackroad/repoplane/internal/metrics"
	"github.com/blackroad/repoplane/internal/queue"
	"github.com/blackroad/repoplane/internal/syncengine"
)

// retryDelay is the redelivery delay requested for failed messages.
const retryDelay = 30 * time.Second

// Queue is the durable queue surface the processors consume from and fan out
// to.
type Queue interface {
	Consume(ctx context.Context, q string, limit int) ([]queue.Delivery, error)
	Ack(ctx context.Context, messageID string) error
	Retry(ctx context.Context, messageID string, delay time.Duration) error
	EnqueueJob(ctx context.Context, job *domain.Job) error
	EnqueueScrape(ctx context.Context, task *domain.ScrapeTask) error
	EnqueueHealing(ctx context.Context, task *domain.HealingTask) error
}

// Scraper is the external code-host collaborator.
type Scraper interface {
	Resolve(repo string) string
	Scrape(ctx context.Context, task domain.ScrapeTask, etag string) (*domain.RepoData, error)
}

// Store is the shared cache the scrape processor mirrors repo records into.
type Store interface {
	SetJSON(key string, v interface{}, ttl time.Duration) error
}

// Processor maps queue messages onto component operations and decides
// between ack, retry, and healing fan-out. It is the boundary between
// "something is broken" and "file a healing task".
type Processor struct {
	queue     Queue
	coord     *coordinator.Coordinator
	engine    *syncengine.Engine
	healer    *healer.Healer
	scraper   Scraper
	store     Store
	clock     ids.Clock
	batchSize int
	log       *logger.Logger
}

// New creates the processor glue over the three components.
// Parameters:
//   - q: durable queues.
//   - coord: job coordinator.
//   - engine: repo sync engine.
//   - h: self-healer.
//   - sc: code-host scraper.
//   - store: shared cache for mirror writes.
//   - clock: time source.
//   - batchSize: messages consumed per queue per poll.
//   - log: processor logger.
//
// Returns:
//   - *Processor: ready processor.
func New(
	q Queue,
	coord *coordinator.Coordinator,
	engine *syncengine.Engine,
	h *healer.Healer,
	sc Scraper,
	store Store,
	clock ids.Clock,
	batchSize int,
	log *logger.Logger,
) *Processor {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Processor{
		queue:     q,
		coord:     coord,
		engine:    engine,
		healer:    h,
		scraper:   sc,
		store:     store,
		clock:     clock,
		batchSize: batchSize,
		log:       log.WithField(logger.FieldComponent, "processor"),
	}
}

// Run polls all three queues until the context is cancelled.
// Parameters:
//   - ctx: context whose cancellation stops the loop.
//   - pollInterval: delay between polls.
//
// Returns: none.
func (p *Processor) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	p.log.Infof("Processor started, polling every %s", pollInterval)
	for {
		select {
		case <-ctx.Done():
			p.log.Info("Processor stopped")
			return
		case <-ticker.C:
			p.ProcessJobBatch(ctx)
			p.ProcessScrapeBatch(ctx)
			p.ProcessHealingBatch(ctx)
		}
	}
}

// ProcessJobBatch consumes one batch from the jobs queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - int: number of messages handled.
func (p *Processor) ProcessJobBatch(ctx context.Context) int {
	return p.processBatch(ctx, queue.QueueJobs, p.handleJobDelivery)
}

// ProcessScrapeBatch consumes one batch from the scrape queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - int: number of messages handled.
func (p *Processor) ProcessScrapeBatch(ctx context.Context) int {
	return p.processBatch(ctx, queue.QueueScrape, p.handleScrapeDelivery)
}

// ProcessHealingBatch consumes one batch from the healing queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - int: number of messages handled.
func (p *Processor) ProcessHealingBatch(ctx context.Context) int {
	return p.processBatch(ctx, queue.QueueHealing, p.handleHealingDelivery)
}

// processBatch consumes and dispatches one batch from a queue.
func (p *Processor) processBatch(ctx context.Context, q string, handle func(context.Context, queue.Delivery)) int {
	started := time.Now()
	deliveries, err := p.queue.Consume(ctx, q, p.batchSize)
	if err != nil {
		p.log.WithError(err).WithField(logger.FieldQueue, q).Error("Failed to consume batch")
		return 0
	}
	for _, d := range deliveries {
		handle(ctx, d)
	}
	if len(deliveries) > 0 {
		metrics.BatchDuration.WithLabelValues(q).Observe(time.Since(started).Seconds())
	}
	return len(deliveries)
}

// handleJobDelivery runs one job delivery through its handler and records
// the outcome on the coordinator: completed on success, a retry while budget
// remains, otherwise healing plus a healing task.
func (p *Processor) handleJobDelivery(ctx context.Context, d queue.Delivery) {
	var job domain.Job
	if err := d.Decode(&job); err != nil {
		p.log.WithError(err).Error("Dropping undecodable job message")
		p.ack(ctx, d.MessageID)
		return
	}

	log := p.log.WithField(logger.FieldJobID, job.ID)

	// The coordinator's record governs the retry budget; the delivered copy
	// may be stale. Jobs enqueued directly by healing are not registered.
	current, err := p.coord.GetJob(ctx, job.ID)
	registered := err == nil
	if registered {
		job = current
	}

	if registered {
		running := domain.JobStatusRunning
		if _, err := p.coord.UpdateJob(ctx, job.ID, coordinator.JobPatch{Status: &running}); err != nil {
			log.WithError(err).Error("Failed to mark job running")
		}
	}

	result, handleErr := p.dispatchJob(ctx, &job)
	if handleErr == nil {
		if registered {
			completed := domain.JobStatusCompleted
			if _, err := p.coord.UpdateJob(ctx, job.ID, coordinator.JobPatch{Status: &completed, Result: &result}); err != nil {
				log.WithError(err).Error("Failed to mark job completed")
			}
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "completed").Inc()
		p.ack(ctx, d.MessageID)
		return
	}

	errMsg := handleErr.Error()

	// Validation failures and conflicts are surfaced, never retried.
	if errors.Is(handleErr, domain.ErrValidation) || errors.Is(handleErr, domain.ErrConflict) {
		if registered {
			failed := domain.JobStatusFailed
			if _, err := p.coord.UpdateJob(ctx, job.ID, coordinator.JobPatch{Status: &failed, Error: &errMsg}); err != nil {
				log.WithError(err).Error("Failed to mark job failed")
			}
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "failed").Inc()
		p.ack(ctx, d.MessageID)
		return
	}

	if job.RetryCount < job.MaxRetries {
		if registered {
			retries := job.RetryCount + 1
			pending := domain.JobStatusPending
			if _, err := p.coord.UpdateJob(ctx, job.ID, coordinator.JobPatch{
				Status:     &pending,
				RetryCount: &retries,
				Error:      &errMsg,
			}); err != nil {
				log.WithError(err).Error("Failed to record job retry")
			}
		}
		metrics.JobsProcessed.WithLabelValues(string(job.Type), "retried").Inc()
		p.retry(ctx, d.MessageID)
		return
	}

	if registered {
		healing := domain.JobStatusHealing
		if _, err := p.coord.UpdateJob(ctx, job.ID, coordinator.JobPatch{Status: &healing, Error: &errMsg}); err != nil {
			log.WithError(err).Error("Failed to mark job healing")
		}
	}
	task := &domain.HealingTask{
		ID:    ids.NewID(),
		JobID: job.ID,
		Issue: domain.HealingIssue{
			Type:        "job_failure",
			Severity:    "high",
			Description: fmt.Sprintf("job %s (%s) exhausted its retry budget", job.ID, job.Type),
			Context:     map[string]interface{}(job.Payload),
			Error:       errMsg,
		},
		Strategy:    domain.StrategyRetryWithBackoff,
		MaxAttempts: 5,
		Status:      domain.HealingStatusPending,
		CreatedAt:   p.clock.Now(),
		UpdatedAt:   p.clock.Now(),
	}
	if err := p.queue.EnqueueHealing(ctx, task); err != nil {
		log.WithError(err).Error("Failed to enqueue healing task")
		p.retry(ctx, d.MessageID)
		return
	}
	metrics.JobsProcessed.WithLabelValues(string(job.Type), "healing").Inc()
	log.WithField(logger.FieldTaskID, task.ID).Warn("Job moved to healing")
	p.ack(ctx, d.MessageID)
}

// handleScrapeDelivery runs one scrape task: an unchanged repo acks without
// state change, fresh data flows through the sync engine, and failures file
// a healing task and redeliver the scrape.
func (p *Processor) handleScrapeDelivery(ctx context.Context, d queue.Delivery) {
	var task domain.ScrapeTask
	if err := d.Decode(&task); err != nil {
		p.log.WithError(err).Error("Dropping undecodable scrape message")
		p.ack(ctx, d.MessageID)
		return
	}

	fullName := p.scraper.Resolve(task.Repo)
	log := p.log.WithField(logger.FieldRepo, fullName)

	etag := ""
	if existing, err := p.engine.GetRepo(ctx, fullName); err == nil {
		etag = existing.ETag
	}

	data, err := p.scraper.Scrape(ctx, task, etag)
	if err != nil {
		metrics.Scrapes.WithLabelValues("failed").Inc()
		healing := &domain.HealingTask{
			ID:    ids.NewID(),
			JobID: "scrape-" + task.ID,
			Issue: domain.HealingIssue{
				Type:        "scrape_failure",
				Severity:    "high",
				Description: fmt.Sprintf("scrape of %s failed", fullName),
				Context:     map[string]interface{}{"repoName": fullName},
				Error:       err.Error(),
			},
			Strategy:    domain.StrategyRetryWithBackoff,
			MaxAttempts: 3,
			Status:      domain.HealingStatusPending,
			CreatedAt:   p.clock.Now(),
			UpdatedAt:   p.clock.Now(),
		}
		if enqErr := p.queue.EnqueueHealing(ctx, healing); enqErr != nil {
			log.WithError(enqErr).Error("Failed to enqueue scrape healing task")
		}
		log.WithError(err).Warn("Scrape failed, redelivering")
		p.retry(ctx, d.MessageID)
		return
	}

	if data == nil {
		// ETag match: nothing changed.
		metrics.Scrapes.WithLabelValues("not_modified").Inc()
		p.ack(ctx, d.MessageID)
		return
	}

	// Fast-path mirror first; the engine's canonical write must win the
	// race, and it carries no TTL.
	if err := p.store.SetJSON(kv.RepoKey(data.FullName), data, kv.TTLRepoMirror); err != nil {
		log.WithError(err).Warn("Failed to mirror repo record")
	}
	if err := p.engine.UpdateRepo(ctx, *data); err != nil {
		log.WithError(err).Error("Failed to record scraped repo")
		p.retry(ctx, d.MessageID)
		return
	}
	metrics.Scrapes.WithLabelValues("stored").Inc()
	p.ack(ctx, d.MessageID)
}

// handleHealingDelivery forwards one healing task to the healer and acks
// when the attempt succeeded or the task went terminal; the healer owns
// strategy progression.
func (p *Processor) handleHealingDelivery(ctx context.Context, d queue.Delivery) {
	var task domain.HealingTask
	if err := d.Decode(&task); err != nil {
		p.log.WithError(err).Error("Dropping undecodable healing message")
		p.ack(ctx, d.MessageID)
		return
	}

	res, err := p.healer.Heal(ctx, task)
	if err != nil {
		p.log.WithError(err).WithField(logger.FieldTaskID, task.ID).Error("Healing attempt errored")
		p.retry(ctx, d.MessageID)
		return
	}

	metrics.HealingAttempts.WithLabelValues(string(res.Strategy), string(res.Status)).Inc()
	if res.Success || res.Status.IsTerminal() {
		p.ack(ctx, d.MessageID)
		return
	}
	p.retry(ctx, d.MessageID)
}

// ack acknowledges a delivery, logging failures.
func (p *Processor) ack(ctx context.Context, messageID string) {
	if err := p.queue.Ack(ctx, messageID); err != nil {
		p.log.WithError(err).Errorf("Failed to ack message %s", messageID)
	}
}

// retry requests redelivery of a delivery, logging failures.
func (p *Processor) retry(ctx context.Context, messageID string) {
	if err := p.queue.Retry(ctx, messageID, retryDelay); err != nil {
		p.log.WithError(err).Errorf("Failed to request redelivery of message %s", messageID)
	}
}
