package healer

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

// stateKey is the durable blob key for the self-healer singleton.
const stateKey = "healer"

// pendingWarningAge is how long a task may sit pending before the health
// check flags it.
const pendingWarningAge = 30 * time.Minute

// escalationRateThreshold trips the critical health flag once enough
// attempts have accumulated.
const (
	escalationRateThreshold = 0.3
	escalationRateMinTotal  = 10
)

// defaultBatchSize seeds reduce_batch_size when the task context carries no
// batch size.
const defaultBatchSize = 10

// Store is the durable blob and cache storage the healer uses for state,
// skipped-task records, and escalation records.
type Store interface {
	GetJSON(key string, out interface{}) error
	SetJSON(key string, v interface{}, ttl time.Duration) error
	Delete(key string) error
}

// WorkQueue is where healing strategies re-enqueue jobs and scrape tasks.
// Pending healing tasks travel back through queue redelivery, so the healer
// itself never enqueues healing messages.
type WorkQueue interface {
	EnqueueJob(ctx context.Context, job *domain.Job) error
	EnqueueScrape(ctx context.Context, task *domain.ScrapeTask) error
}

// EndpointSwitcher flips an upstream client onto its backup endpoint. The
// switch reports success or failure and must not mutate healer state.
type EndpointSwitcher interface {
	SwitchEndpoint(ctx context.Context) error
}

// Sleeper blocks for the strategy backoff. Injected so tests run instantly.
type Sleeper func(ctx context.Context, d time.Duration)

// SleepWithContext is the production Sleeper: a timer honoring cancellation.
// Parameters:
//   - ctx: context whose cancellation aborts the sleep.
//   - d: sleep duration.
//
// Returns: none.
func SleepWithContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// state is the single serialized value the healer owns.
type state struct {
	Tasks   map[string]*domain.HealingTask `json:"tasks"`
	Metrics domain.HealerMetrics           `json:"metrics"`
}

// Result reports one healing attempt back to the healing processor. The
// processor acks when the attempt succeeded or the task went terminal.
type Result struct {
	TaskID   string                 `json:"task_id"`
	Success  bool                   `json:"success"`
	Status   domain.HealingStatus   `json:"status"`
	Strategy domain.HealingStrategy `json:"strategy"`
	Message  string                 `json:"message"`
}

// Healer executes healing strategies and advances tasks through the
// escalation graph. Operations serialize on the component mutex; backoff
// sleeps inside the actor boundary, matching the single-writer model.
type Healer struct {
	mu       sync.Mutex
	st       state
	store    Store
	queue    WorkQueue
	switcher EndpointSwitcher
	clock    ids.Clock
	sleep    Sleeper
	enabled  bool
	log      *logger.Logger
}

// Options configures the healer.
type Options struct {
	// Enabled gates the strategy graph; when false every incoming task is
	// escalated immediately.
	Enabled bool

	// Switcher handles switch_endpoint. Nil means the strategy always fails.
	Switcher EndpointSwitcher

	// Sleep overrides the backoff sleeper. Nil uses SleepWithContext.
	Sleep Sleeper
}

// New constructs the healer and hydrates its state from the store.
// Parameters:
//   - store: durable blob store and shared cache.
//   - queue: queues for re-enqueued work.
//   - clock: time source.
//   - opts: healer options.
//   - log: component logger.
//
// Returns:
//   - *Healer: ready healer.
//   - error: non-nil if hydration fails for a reason other than absence.
func New(store Store, queue WorkQueue, clock ids.Clock, opts Options, log *logger.Logger) (*Healer, error) {
	h := &Healer{
		store:    store,
		queue:    queue,
		switcher: opts.Switcher,
		clock:    clock,
		sleep:    opts.Sleep,
		enabled:  opts.Enabled,
		log:      log.WithField(logger.FieldComponent, "healer"),
	}
	if h.sleep == nil {
		h.sleep = SleepWithContext
	}
	err := store.GetJSON(kv.StateKey(stateKey), &h.st)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("failed to hydrate healer state: %w", err)
	}
	if h.st.Tasks == nil {
		h.st.Tasks = make(map[string]*domain.HealingTask)
	}
	if h.st.Metrics.StrategyUse == nil {
		h.st.Metrics.StrategyUse = make(map[domain.HealingStrategy]int)
	}
	if h.st.Metrics.StrategySuccess == nil {
		h.st.Metrics.StrategySuccess = make(map[domain.HealingStrategy]int)
	}
	return h, nil
}

// persist writes the whole state blob back to the store.
func (h *Healer) persist() error {
	return h.store.SetJSON(kv.StateKey(stateKey), &h.st, 0)
}

// Heal runs one strategy attempt for the delivered task. Consumers are
// idempotent per task ID: a known task is advanced from its stored state and
// a terminal task is reported back without executing anything.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - delivered: healing task from the queue.
//
// Returns:
//   - Result: attempt outcome for the processor's ack decision.
//   - error: non-nil if persistence fails.
func (h *Healer) Heal(ctx context.Context, delivered domain.HealingTask) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	task, ok := h.st.Tasks[delivered.ID]
	if !ok {
		t := delivered
		if t.Strategy == "" {
			t.Strategy = domain.StrategyRetryWithBackoff
		}
		if cfg, ok := ConfigFor(t.Strategy); ok && t.MaxAttempts == 0 {
			t.MaxAttempts = cfg.MaxAttempts
		}
		if t.Status == "" {
			t.Status = domain.HealingStatusPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = h.clock.Now()
		}
		task = &t
		h.st.Tasks[t.ID] = task
	}

	if task.Status.IsTerminal() {
		return Result{
			TaskID:   task.ID,
			Success:  task.Status == domain.HealingStatusResolved,
			Status:   task.Status,
			Strategy: task.Strategy,
			Message:  "task already terminal",
		}, nil
	}

	// With self-healing disabled, tasks jump straight to the terminal node.
	if !h.enabled && task.Strategy != domain.StrategyEscalateToAgent {
		h.switchStrategyLocked(task, domain.StrategyEscalateToAgent)
	}

	// Retry budget is evaluated at the start of each attempt against the
	// recorded counter.
	attemptIndex := task.Attempts
	task.Status = domain.HealingStatusAttempting
	task.Attempts++
	task.UpdatedAt = h.clock.Now()
	h.st.Metrics.TotalAttempts++
	h.st.Metrics.StrategyUse[task.Strategy]++

	h.sleep(ctx, backoffFor(task.Strategy, attemptIndex))

	started := h.clock.Now()
	success, message := h.execute(ctx, task)

	res := Result{TaskID: task.ID, Strategy: task.Strategy}

	if task.Strategy == domain.StrategyEscalateToAgent {
		// Escalation always terminates the task and never counts as a
		// success in the metrics.
		task.Status = domain.HealingStatusEscalated
		h.st.Metrics.Escalations++
		res.Status = task.Status
		res.Message = message
	} else if success {
		task.Status = domain.HealingStatusResolved
		h.st.Metrics.SuccessfulResolutions++
		h.st.Metrics.StrategySuccess[task.Strategy]++
		h.recordResolveTimeLocked(h.clock.Now().Sub(task.CreatedAt))
		res.Success = true
		res.Status = task.Status
		res.Message = message
	} else {
		exhausted := task.Attempts >= task.MaxAttempts
		cfg, _ := ConfigFor(task.Strategy)
		switch {
		case exhausted && cfg.Next != "":
			prev := task.Strategy
			h.switchStrategyLocked(task, cfg.Next)
			task.Status = domain.HealingStatusPending
			res.Status = task.Status
			res.Message = fmt.Sprintf("%s exhausted, escalating to %s: %s", prev, cfg.Next, message)
		case exhausted:
			task.Status = domain.HealingStatusEscalated
			h.st.Metrics.FailedResolutions++
			h.st.Metrics.Escalations++
			res.Status = task.Status
			res.Message = fmt.Sprintf("all strategies exhausted: %s", message)
		default:
			task.Status = domain.HealingStatusPending
			res.Status = task.Status
			res.Message = message
		}
	}

	task.Resolution = &domain.Resolution{
		Strategy:   res.Strategy,
		Success:    res.Success,
		Message:    res.Message,
		Attempt:    task.Attempts,
		ResolvedAt: h.clock.Now(),
		Metrics: domain.ResolutionMetrics{
			TimeToResolveMs: h.clock.Now().Sub(started).Milliseconds(),
			ResourcesUsed:   string(res.Strategy),
		},
	}
	task.UpdatedAt = h.clock.Now()

	if err := h.persist(); err != nil {
		return Result{}, fmt.Errorf("failed to persist healer state: %w", err)
	}

	h.log.WithFields(logger.Fields{
		logger.FieldTaskID:   task.ID,
		logger.FieldStrategy: string(res.Strategy),
		logger.FieldStatus:   string(res.Status),
	}).Info("Healing attempt finished")
	return res, nil
}

// switchStrategyLocked transitions the task to next and resets its counters.
// Callers hold the mutex.
func (h *Healer) switchStrategyLocked(task *domain.HealingTask, next domain.HealingStrategy) {
	task.Strategy = next
	task.Attempts = 0
	if cfg, ok := ConfigFor(next); ok {
		task.MaxAttempts = cfg.MaxAttempts
	} else {
		task.MaxAttempts = 1
	}
}

// recordResolveTimeLocked folds one sample into the rolling average,
// round(((avg*(n-1))+sample)/n) under integer arithmetic. Callers hold the
// mutex.
func (h *Healer) recordResolveTimeLocked(d time.Duration) {
	n := int64(h.st.Metrics.SuccessfulResolutions)
	if n <= 0 {
		return
	}
	sample := d.Milliseconds()
	avg := h.st.Metrics.AverageTimeToResolve
	h.st.Metrics.AverageTimeToResolve = (avg*(n-1) + sample + n/2) / n
}

// execute runs the strategy body for one attempt. Callers hold the mutex.
func (h *Healer) execute(ctx context.Context, task *domain.HealingTask) (bool, string) {
	switch task.Strategy {
	case domain.StrategyRetryWithBackoff:
		return h.reenqueueJob(ctx, task, nil)

	case domain.StrategyClearCacheRetry:
		if repo := task.ContextString("repoName"); repo != "" {
			h.deleteCache(kv.RepoKey(repo))
			h.deleteCache(kv.CohesivenessKey(repo))
		}
		if task.JobID != "" {
			h.deleteCache(kv.CacheKey(task.JobID))
		}
		return h.reenqueueJob(ctx, task, nil)

	case domain.StrategySwitchEndpoint:
		if h.switcher == nil {
			return false, "no backup endpoint configured"
		}
		if err := h.switcher.SwitchEndpoint(ctx); err != nil {
			return false, fmt.Sprintf("endpoint switch failed: %v", err)
		}
		return true, "switched to backup endpoint"

	case domain.StrategyReduceBatchSize:
		batch := defaultBatchSize
		if task.Issue.Context != nil {
			if v, ok := task.Issue.Context["batchSize"].(float64); ok {
				batch = int(v)
			} else if v, ok := task.Issue.Context["batchSize"].(int); ok {
				batch = v
			}
		}
		batch = batch / 2
		if batch < 1 {
			batch = 1
		}
		if task.Issue.Context == nil {
			task.Issue.Context = map[string]interface{}{}
		}
		task.Issue.Context["batchSize"] = batch
		return h.reenqueueJob(ctx, task, domain.Payload{"batchSize": batch})

	case domain.StrategyNotifyAndSkip:
		if err := h.store.SetJSON(kv.SkippedKey(task.ID), task, kv.TTLSkipped); err != nil {
			return false, fmt.Sprintf("failed to record skipped task: %v", err)
		}
		return true, "task recorded as skipped"

	case domain.StrategyFullReset:
		repo := task.ContextString("repoName")
		if repo == "" {
			return false, "full reset requires a repo name"
		}
		h.deleteCache(kv.RepoKey(repo))
		h.deleteCache(kv.CohesivenessKey(repo))
		scrape := &domain.ScrapeTask{
			ID:         ids.NewID(),
			Repo:       repo,
			ScrapeType: domain.ScrapeTypeFull,
			Priority:   domain.JobPriorityCritical,
		}
		if err := h.queue.EnqueueScrape(ctx, scrape); err != nil {
			return false, fmt.Sprintf("failed to enqueue reset scrape: %v", err)
		}
		return true, fmt.Sprintf("reset caches and re-scraping %s", repo)

	case domain.StrategyEscalateToAgent:
		if err := h.store.SetJSON(kv.EscalatedKey(task.ID), task, 0); err != nil {
			return false, fmt.Sprintf("failed to record escalation: %v", err)
		}
		notify := &domain.Job{
			ID:       ids.NewID(),
			Type:     domain.JobTypeNotify,
			Status:   domain.JobStatusPending,
			Priority: domain.JobPriorityCritical,
			Payload: domain.Payload{
				"taskId":      task.ID,
				"jobId":       task.JobID,
				"issueType":   task.Issue.Type,
				"description": task.Issue.Description,
			},
			MaxRetries: 1,
			CreatedAt:  h.clock.Now(),
			UpdatedAt:  h.clock.Now(),
		}
		if err := h.queue.EnqueueJob(ctx, notify); err != nil {
			return false, fmt.Sprintf("failed to enqueue escalation notify: %v", err)
		}
		return false, "escalated for human review"

	default:
		return false, fmt.Sprintf("unknown strategy %q", task.Strategy)
	}
}

// deleteCache drops a shared cache key, logging failures without failing the
// strategy.
func (h *Healer) deleteCache(key string) {
	if err := h.store.Delete(key); err != nil {
		h.log.WithError(err).Warnf("Failed to clear cache key %s", key)
	}
}

// reenqueueJob rebuilds the originating job and places it back onto the job
// queue at high priority with the retry count mirroring the task attempts.
func (h *Healer) reenqueueJob(ctx context.Context, task *domain.HealingTask, extra domain.Payload) (bool, string) {
	payload := domain.Payload{}
	for k, v := range task.Issue.Context {
		payload[k] = v
	}
	for k, v := range extra {
		payload[k] = v
	}
	job := &domain.Job{
		ID:         ids.NewID(),
		Type:       domain.JobTypeSyncContent,
		Status:     domain.JobStatusPending,
		Priority:   domain.JobPriorityHigh,
		Payload:    payload,
		RetryCount: task.Attempts,
		MaxRetries: task.MaxAttempts,
		CreatedAt:  h.clock.Now(),
		UpdatedAt:  h.clock.Now(),
	}
	if err := h.queue.EnqueueJob(ctx, job); err != nil {
		return false, fmt.Sprintf("failed to re-enqueue job: %v", err)
	}
	return true, fmt.Sprintf("re-enqueued job %s", job.ID)
}

// Tasks returns all registered healing tasks, newest first.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - []domain.HealingTask: task snapshots.
func (h *Healer) Tasks(ctx context.Context) []domain.HealingTask {
	h.mu.Lock()
	defer h.mu.Unlock()

	tasks := make([]domain.HealingTask, 0, len(h.st.Tasks))
	for _, t := range h.st.Tasks {
		tasks = append(tasks, *t)
	}
	sort.Slice(tasks, func(i, k int) bool { return tasks[i].CreatedAt.After(tasks[k].CreatedAt) })
	return tasks
}

// Metrics returns the remediation counters.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - domain.HealerMetrics: copy of the current metrics.
func (h *Healer) Metrics(ctx context.Context) domain.HealerMetrics {
	h.mu.Lock()
	defer h.mu.Unlock()

	m := h.st.Metrics
	m.StrategyUse = make(map[domain.HealingStrategy]int, len(h.st.Metrics.StrategyUse))
	for k, v := range h.st.Metrics.StrategyUse {
		m.StrategyUse[k] = v
	}
	m.StrategySuccess = make(map[domain.HealingStrategy]int, len(h.st.Metrics.StrategySuccess))
	for k, v := range h.st.Metrics.StrategySuccess {
		m.StrategySuccess[k] = v
	}
	return m
}

// HealthReport is the response of HealthCheck.
type HealthReport struct {
	Healthy        bool     `json:"healthy"`
	Critical       bool     `json:"critical"`
	Warnings       []string `json:"warnings,omitempty"`
	PendingTasks   int      `json:"pending_tasks"`
	EscalationRate float64  `json:"escalation_rate"`
}

// HealthCheck enumerates tasks and flags stale pending work and a runaway
// escalation rate.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - HealthReport: warnings for tasks pending over 30 minutes and a
//     critical flag when the escalation rate exceeds 30% after 10 attempts.
func (h *Healer) HealthCheck(ctx context.Context) HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()

	report := HealthReport{Healthy: true}
	cutoff := h.clock.Now().Add(-pendingWarningAge)
	for _, t := range h.st.Tasks {
		if t.Status == domain.HealingStatusPending {
			report.PendingTasks++
			if t.UpdatedAt.Before(cutoff) {
				report.Warnings = append(report.Warnings,
					fmt.Sprintf("task %s pending since %s", t.ID, t.UpdatedAt.Format(time.RFC3339)))
				report.Healthy = false
			}
		}
	}

	if h.st.Metrics.TotalAttempts > escalationRateMinTotal {
		report.EscalationRate = float64(h.st.Metrics.Escalations) / float64(h.st.Metrics.TotalAttempts)
		if report.EscalationRate > escalationRateThreshold {
			report.Critical = true
			report.Healthy = false
		}
	}
	return report
}
