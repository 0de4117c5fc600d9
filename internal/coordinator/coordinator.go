package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/ids"
	"github.com/blackroad/repoplane/internal/kv"
	"github.com/blackroad/repoplane/internal/logger"
)

// stateKey is the durable blob key for the coordinator singleton.
const stateKey = "coordinator"

// cleanupHorizon is how long terminal jobs are retained before GC.
const cleanupHorizon = 24 * time.Hour

// stuckThreshold is how long a job may sit in running before the health pass
// flags it.
const stuckThreshold = 10 * time.Minute

// Store is the durable blob storage the coordinator hydrates from and
// persists to.
type Store interface {
	GetJSON(key string, out interface{}) error
	SetJSON(key string, v interface{}, ttl time.Duration) error
}

// JobQueue is where created jobs are dispatched.
type JobQueue interface {
	EnqueueJob(ctx context.Context, job *domain.Job) error
}

// state is the single serialized value the coordinator owns.
type state struct {
	Jobs           map[string]*domain.Job `json:"jobs"`
	TotalCreated   int                    `json:"total_created"`
	TotalCompleted int                    `json:"total_completed"`
	TotalFailed    int                    `json:"total_failed"`
	TotalHealing   int                    `json:"total_healing"`
}

// Coordinator is the authoritative registry of jobs: source of truth for
// status and metrics. All operations serialize on the component mutex; the
// whole state blob is written back after each mutation.
type Coordinator struct {
	mu         sync.Mutex
	st         state
	store      Store
	queue      JobQueue
	clock      ids.Clock
	maxRetries int
	log        *logger.Logger
}

// New constructs the coordinator and hydrates its state from the store.
// Parameters:
//   - store: durable blob store.
//   - queue: job queue for dispatching created jobs.
//   - clock: time source.
//   - maxRetries: default retry ceiling applied to new jobs.
//   - log: component logger.
//
// Returns:
//   - *Coordinator: ready coordinator.
//   - error: non-nil if hydration fails for a reason other than absence.
func New(store Store, queue JobQueue, clock ids.Clock, maxRetries int, log *logger.Logger) (*Coordinator, error) {
	c := &Coordinator{
		store:      store,
		queue:      queue,
		clock:      clock,
		maxRetries: maxRetries,
		log:        log.WithField(logger.FieldComponent, "coordinator"),
	}
	err := store.GetJSON(kv.StateKey(stateKey), &c.st)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("failed to hydrate coordinator state: %w", err)
	}
	if c.st.Jobs == nil {
		c.st.Jobs = make(map[string]*domain.Job)
	}
	return c, nil
}

// persist writes the whole state blob back to the store.
func (c *Coordinator) persist() error {
	return c.store.SetJSON(kv.StateKey(stateKey), &c.st, 0)
}

// metricsLocked recomputes per-status counts. Callers hold the mutex.
func (c *Coordinator) metricsLocked() domain.JobMetrics {
	m := domain.JobMetrics{
		TotalCreated:   c.st.TotalCreated,
		TotalCompleted: c.st.TotalCompleted,
		TotalFailed:    c.st.TotalFailed,
		TotalHealing:   c.st.TotalHealing,
		ByStatus:       make(map[domain.JobStatus]int),
	}
	for _, j := range c.st.Jobs {
		m.ByStatus[j.Status]++
	}
	return m
}

// ListResult is the response of ListJobs.
type ListResult struct {
	Jobs    []domain.Job      `json:"jobs"`
	Total   int               `json:"total"`
	Metrics domain.JobMetrics `json:"metrics"`
}

// ListJobs returns jobs ordered by priority rank then CreatedAt descending,
// truncated to limit, together with global metrics.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - statusFilter: keep only jobs with this status when non-empty.
//   - typeFilter: keep only jobs with this type when non-empty.
//   - limit: maximum jobs returned; non-positive means the default of 100.
//
// Returns:
//   - ListResult: ordered jobs plus metrics.
func (c *Coordinator) ListJobs(ctx context.Context, statusFilter, typeFilter string, limit int) ListResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	jobs := make([]domain.Job, 0, len(c.st.Jobs))
	for _, j := range c.st.Jobs {
		if statusFilter != "" && string(j.Status) != statusFilter {
			continue
		}
		if typeFilter != "" && string(j.Type) != typeFilter {
			continue
		}
		jobs = append(jobs, *j)
	}

	sort.Slice(jobs, func(i, k int) bool {
		ri, rk := jobs[i].Priority.Rank(), jobs[k].Priority.Rank()
		if ri != rk {
			return ri < rk
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	total := len(jobs)
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}

	return ListResult{Jobs: jobs, Total: total, Metrics: c.metricsLocked()}
}

// CreateJob fills defaults on the partial job, registers it, enqueues it onto
// the job queue, and bumps TotalCreated.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - partial: caller-supplied fields; zero values are defaulted.
//
// Returns:
//   - domain.Job: the stored job.
//   - error: non-nil if persistence or the enqueue fails.
func (c *Coordinator) CreateJob(ctx context.Context, partial domain.Job) (domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	job := partial
	if job.ID == "" {
		job.ID = ids.NewID()
	}
	if job.Type == "" {
		job.Type = domain.JobTypeSyncContent
	}
	if job.Priority == "" {
		job.Priority = domain.JobPriorityNormal
	}
	if job.Payload == nil {
		job.Payload = domain.Payload{}
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = c.maxRetries
	}
	job.Status = domain.JobStatusPending
	job.RetryCount = 0
	job.HealingAttempts = 0
	job.CreatedAt = now
	job.UpdatedAt = now
	job.CompletedAt = nil

	c.st.Jobs[job.ID] = &job
	c.st.TotalCreated++
	if err := c.persist(); err != nil {
		delete(c.st.Jobs, job.ID)
		c.st.TotalCreated--
		return domain.Job{}, fmt.Errorf("failed to persist job %s: %w", job.ID, err)
	}

	if err := c.queue.EnqueueJob(ctx, &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}

	c.log.WithFields(logger.Fields{
		logger.FieldJobID: job.ID,
		"type":            string(job.Type),
		"priority":        string(job.Priority),
	}).Info("Job created")

	return job, nil
}

// GetJob returns the job with the given ID.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//
// Returns:
//   - domain.Job: the job.
//   - error: domain.ErrNotFound if absent.
func (c *Coordinator) GetJob(ctx context.Context, id string) (domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.st.Jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return *j, nil
}

// DeleteJob removes the job unconditionally.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//
// Returns:
//   - error: domain.ErrNotFound if absent, or a persistence error.
func (c *Coordinator) DeleteJob(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.st.Jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	delete(c.st.Jobs, id)
	if err := c.persist(); err != nil {
		c.st.Jobs[id] = prev
		return fmt.Errorf("failed to persist delete of job %s: %w", id, err)
	}
	return nil
}

// JobPatch carries the fields UpdateJob may change. Nil fields are untouched.
type JobPatch struct {
	Status          *domain.JobStatus   `json:"status,omitempty"`
	Priority        *domain.JobPriority `json:"priority,omitempty"`
	Payload         domain.Payload      `json:"payload,omitempty"`
	RetryCount      *int                `json:"retry_count,omitempty"`
	HealingAttempts *int                `json:"healing_attempts,omitempty"`
	Error           *string             `json:"error,omitempty"`
	Result          *string             `json:"result,omitempty"`
}

// UpdateJob applies the patch. Status transitions carry side effects:
// completed sets CompletedAt and bumps TotalCompleted, failed bumps
// TotalFailed, healing bumps TotalHealing. UpdatedAt is always bumped.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - id: job ID.
//   - patch: fields to change.
//
// Returns:
//   - domain.Job: the updated job.
//   - error: domain.ErrNotFound if absent, or a persistence error.
func (c *Coordinator) UpdateJob(ctx context.Context, id string, patch JobPatch) (domain.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.st.Jobs[id]
	if !ok {
		return domain.Job{}, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}

	prev := *j
	prevCounters := [3]int{c.st.TotalCompleted, c.st.TotalFailed, c.st.TotalHealing}
	now := c.clock.Now()

	if patch.Status != nil && *patch.Status != j.Status {
		j.Status = *patch.Status
		switch j.Status {
		case domain.JobStatusCompleted:
			j.CompletedAt = &now
			c.st.TotalCompleted++
		case domain.JobStatusFailed:
			c.st.TotalFailed++
		case domain.JobStatusHealing:
			c.st.TotalHealing++
		}
	}
	if patch.Priority != nil {
		j.Priority = *patch.Priority
	}
	if patch.Payload != nil {
		j.Payload = patch.Payload
	}
	if patch.RetryCount != nil {
		j.RetryCount = *patch.RetryCount
	}
	if patch.HealingAttempts != nil {
		j.HealingAttempts = *patch.HealingAttempts
	}
	if patch.Error != nil {
		j.Error = *patch.Error
	}
	if patch.Result != nil {
		j.Result = *patch.Result
	}
	j.UpdatedAt = now

	if err := c.persist(); err != nil {
		*j = prev
		c.st.TotalCompleted, c.st.TotalFailed, c.st.TotalHealing = prevCounters[0], prevCounters[1], prevCounters[2]
		return domain.Job{}, fmt.Errorf("failed to persist update of job %s: %w", id, err)
	}
	return *j, nil
}

// Metrics returns global counters plus recomputed per-status counts.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - domain.JobMetrics: current metrics.
func (c *Coordinator) Metrics(ctx context.Context) domain.JobMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metricsLocked()
}

// CleanupResult is the response of Cleanup.
type CleanupResult struct {
	Cleaned   int `json:"cleaned"`
	Remaining int `json:"remaining"`
}

// Cleanup deletes completed and failed jobs whose effective completion time
// is older than 24 hours.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - CleanupResult: number deleted and number still registered.
//   - error: non-nil if persistence fails; state is restored on failure.
func (c *Coordinator) Cleanup(ctx context.Context) (CleanupResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	horizon := c.clock.Now().Add(-cleanupHorizon)
	removed := make(map[string]*domain.Job)
	for id, j := range c.st.Jobs {
		if j.IsTerminal() && j.EffectiveCompletionTime().Before(horizon) {
			removed[id] = j
			delete(c.st.Jobs, id)
		}
	}

	if len(removed) > 0 {
		if err := c.persist(); err != nil {
			for id, j := range removed {
				c.st.Jobs[id] = j
			}
			return CleanupResult{}, fmt.Errorf("failed to persist cleanup: %w", err)
		}
	}

	res := CleanupResult{Cleaned: len(removed), Remaining: len(c.st.Jobs)}
	c.log.WithFields(logger.Fields{logger.FieldCount: res.Cleaned}).Infof("Cleanup finished, %d jobs remaining", res.Remaining)
	return res, nil
}

// StuckJobs returns jobs sitting in running with an UpdatedAt older than ten
// minutes. The health pass feeds these back as full_reset healing tasks.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - []domain.Job: stuck jobs, unordered.
func (c *Coordinator) StuckJobs(ctx context.Context) []domain.Job {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock.Now().Add(-stuckThreshold)
	var stuck []domain.Job
	for _, j := range c.st.Jobs {
		if j.Status == domain.JobStatusRunning && j.UpdatedAt.Before(cutoff) {
			stuck = append(stuck, *j)
		}
	}
	return stuck
}
