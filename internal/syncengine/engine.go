package syncengine

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

// stateKey is the durable blob key for the sync engine singleton.
const stateKey = "syncengine"

// maxRecordedErrors bounds the error ring returned by Status.
const maxRecordedErrors = 10

// Store is the durable blob and cache storage the engine uses. The engine's
// repo:{fullName} writes are canonical and carry no TTL.
type Store interface {
	GetJSON(key string, out interface{}) error
	SetJSON(key string, v interface{}, ttl time.Duration) error
}

// TaskQueue is where the engine dispatches scrape and healing work.
type TaskQueue interface {
	EnqueueScrape(ctx context.Context, task *domain.ScrapeTask) error
	EnqueueHealing(ctx context.Context, task *domain.HealingTask) error
}

// state is the single serialized value the engine owns.
type state struct {
	Repos               map[string]*domain.RepoData `json:"repos"`
	LastFullSync        *time.Time                  `json:"last_full_sync,omitempty"`
	LastIncrementalSync *time.Time                  `json:"last_incremental_sync,omitempty"`
	InProgress          bool                        `json:"in_progress"`
	Errors              []string                    `json:"errors,omitempty"`
}

// Engine is the authoritative registry of tracked repositories. It
// orchestrates full sync and cohesiveness checks and generates healing tasks
// for auto-fixable critical issues. The known-repo list is configuration and
// does not change at runtime: repos recorded through UpdateRepo join the
// registry but not the known list, so full and incremental syncs skip them.
type Engine struct {
	mu         sync.Mutex
	st         state
	store      Store
	queue      TaskQueue
	clock      ids.Clock
	knownRepos []string
	log        *logger.Logger
}

// New constructs the engine and hydrates its state from the store.
// Parameters:
//   - store: durable blob store and shared cache.
//   - queue: queue for scrape and healing tasks.
//   - clock: time source.
//   - knownRepos: configured repository short-names.
//   - log: component logger.
//
// Returns:
//   - *Engine: ready engine.
//   - error: non-nil if hydration fails for a reason other than absence.
func New(store Store, queue TaskQueue, clock ids.Clock, knownRepos []string, log *logger.Logger) (*Engine, error) {
	e := &Engine{
		store:      store,
		queue:      queue,
		clock:      clock,
		knownRepos: knownRepos,
		log:        log.WithField(logger.FieldComponent, "syncengine"),
	}
	err := store.GetJSON(kv.StateKey(stateKey), &e.st)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("failed to hydrate sync engine state: %w", err)
	}
	if e.st.Repos == nil {
		e.st.Repos = make(map[string]*domain.RepoData)
	}
	// A crash mid full-sync must not wedge the conflict check forever.
	e.st.InProgress = false
	return e, nil
}

// persist writes the whole state blob back to the store.
func (e *Engine) persist() error {
	return e.store.SetJSON(kv.StateKey(stateKey), &e.st, 0)
}

// recordErrorLocked appends msg to the bounded error ring. Callers hold the
// mutex.
func (e *Engine) recordErrorLocked(msg string) {
	e.st.Errors = append(e.st.Errors, msg)
	if len(e.st.Errors) > maxRecordedErrors {
		e.st.Errors = e.st.Errors[len(e.st.Errors)-maxRecordedErrors:]
	}
}

// ListResult is the response of ListRepos.
type ListResult struct {
	Repos        []domain.RepoData `json:"repos"`
	KnownRepos   []string          `json:"known_repos"`
	LastFullSync *time.Time        `json:"last_full_sync,omitempty"`
}

// ListRepos returns the stored repos, the configured known-repo list, and the
// last full sync timestamp.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - ListResult: repos sorted by full name.
func (e *Engine) ListRepos(ctx context.Context) ListResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	repos := make([]domain.RepoData, 0, len(e.st.Repos))
	for _, r := range e.st.Repos {
		repos = append(repos, *r)
	}
	sort.Slice(repos, func(i, k int) bool { return repos[i].FullName < repos[k].FullName })

	return ListResult{
		Repos:        repos,
		KnownRepos:   append([]string(nil), e.knownRepos...),
		LastFullSync: e.st.LastFullSync,
	}
}

// StatusResult is the response of Status.
type StatusResult struct {
	InProgress          bool       `json:"in_progress"`
	LastFullSync        *time.Time `json:"last_full_sync,omitempty"`
	LastIncrementalSync *time.Time `json:"last_incremental_sync,omitempty"`
	RepoCount           int        `json:"repo_count"`
	RecentErrors        []string   `json:"recent_errors,omitempty"`
}

// Status reports the engine's sync progress and the last ten recorded errors.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - StatusResult: current status snapshot.
func (e *Engine) Status(ctx context.Context) StatusResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	return StatusResult{
		InProgress:          e.st.InProgress,
		LastFullSync:        e.st.LastFullSync,
		LastIncrementalSync: e.st.LastIncrementalSync,
		RepoCount:           len(e.st.Repos),
		RecentErrors:        append([]string(nil), e.st.Errors...),
	}
}

// FullSyncResult is the response of TriggerFullSync.
type FullSyncResult struct {
	Enqueued int `json:"enqueued"`
}

// TriggerFullSync enqueues one full-scrape task per known repo at normal
// priority and records LastFullSync. Fire-and-forget: it returns as soon as
// the tasks are enqueued. A sync already in progress is a conflict.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - FullSyncResult: number of scrape tasks enqueued.
//   - error: domain.ErrConflict when a sync is in progress.
func (e *Engine) TriggerFullSync(ctx context.Context) (FullSyncResult, error) {
	e.mu.Lock()
	if e.st.InProgress {
		e.mu.Unlock()
		return FullSyncResult{}, fmt.Errorf("full sync already in progress: %w", domain.ErrConflict)
	}
	e.st.InProgress = true
	known := append([]string(nil), e.knownRepos...)
	e.mu.Unlock()

	enqueued := 0
	var enqueueErrs []string
	for _, name := range known {
		task := &domain.ScrapeTask{
			ID:         ids.NewID(),
			Repo:       name,
			ScrapeType: domain.ScrapeTypeFull,
			Priority:   domain.JobPriorityNormal,
		}
		if err := e.queue.EnqueueScrape(ctx, task); err != nil {
			enqueueErrs = append(enqueueErrs, fmt.Sprintf("enqueue scrape for %s: %v", name, err))
			continue
		}
		enqueued++
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	e.st.LastFullSync = &now
	e.st.InProgress = false
	for _, msg := range enqueueErrs {
		e.recordErrorLocked(msg)
	}
	if err := e.persist(); err != nil {
		return FullSyncResult{}, fmt.Errorf("failed to persist full sync state: %w", err)
	}

	e.log.WithFields(logger.Fields{logger.FieldCount: enqueued}).Info("Full sync triggered")
	return FullSyncResult{Enqueued: enqueued}, nil
}

// TriggerIncrementalSync enqueues one incremental-scrape task per known repo
// and records LastIncrementalSync. Incremental scrapes lean on the stored
// ETag so unchanged repos cost a single conditional request.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - FullSyncResult: number of scrape tasks enqueued.
//   - error: non-nil if persistence fails.
func (e *Engine) TriggerIncrementalSync(ctx context.Context) (FullSyncResult, error) {
	e.mu.Lock()
	known := append([]string(nil), e.knownRepos...)
	e.mu.Unlock()

	enqueued := 0
	for _, name := range known {
		task := &domain.ScrapeTask{
			ID:         ids.NewID(),
			Repo:       name,
			ScrapeType: domain.ScrapeTypeIncremental,
			Priority:   domain.JobPriorityLow,
		}
		if err := e.queue.EnqueueScrape(ctx, task); err != nil {
			e.mu.Lock()
			e.recordErrorLocked(fmt.Sprintf("enqueue incremental scrape for %s: %v", name, err))
			e.mu.Unlock()
			continue
		}
		enqueued++
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()
	e.st.LastIncrementalSync = &now
	if err := e.persist(); err != nil {
		return FullSyncResult{}, fmt.Errorf("failed to persist incremental sync state: %w", err)
	}
	return FullSyncResult{Enqueued: enqueued}, nil
}

// SyncRepo enqueues a single full-scrape task for one repo at high priority.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - repoName: short name or full "owner/name".
//
// Returns:
//   - domain.ScrapeTask: the enqueued task.
//   - error: domain.ErrValidation on an empty name, or an enqueue error.
func (e *Engine) SyncRepo(ctx context.Context, repoName string) (domain.ScrapeTask, error) {
	if repoName == "" {
		return domain.ScrapeTask{}, fmt.Errorf("repo name is required: %w", domain.ErrValidation)
	}
	task := domain.ScrapeTask{
		ID:         ids.NewID(),
		Repo:       repoName,
		ScrapeType: domain.ScrapeTypeFull,
		Priority:   domain.JobPriorityHigh,
	}
	if err := e.queue.EnqueueScrape(ctx, &task); err != nil {
		return domain.ScrapeTask{}, fmt.Errorf("failed to enqueue scrape for %s: %w", repoName, err)
	}
	return task, nil
}

// CheckResult is the response of TriggerCohesivenessCheck.
type CheckResult struct {
	Checked      int `json:"checked"`
	HealingTasks int `json:"healing_tasks"`
}

// TriggerCohesivenessCheck rescores every stored repo, persists each score on
// the repo and as a cohesiveness:{fullName} snapshot with a one hour TTL,
// then enqueues one healing task per repo holding at least one critical
// auto-fixable issue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - CheckResult: number of repos scored and healing tasks enqueued.
//   - error: non-nil if persistence fails.
func (e *Engine) TriggerCohesivenessCheck(ctx context.Context) (CheckResult, error) {
	e.mu.Lock()
	now := e.clock.Now()
	type flagged struct {
		fullName string
		issues   []domain.CohesivenessIssue
	}
	var toHeal []flagged

	for _, repo := range e.st.Repos {
		score := Score(repo.Structure, now)
		repo.Cohesiveness = score
		if err := e.store.SetJSON(kv.CohesivenessKey(repo.FullName), score, kv.TTLCohesiveness); err != nil {
			e.recordErrorLocked(fmt.Sprintf("cache cohesiveness for %s: %v", repo.FullName, err))
		}
		if critical := score.CriticalAutoFixable(); len(critical) > 0 {
			toHeal = append(toHeal, flagged{fullName: repo.FullName, issues: critical})
		}
	}
	checked := len(e.st.Repos)
	if err := e.persist(); err != nil {
		e.mu.Unlock()
		return CheckResult{}, fmt.Errorf("failed to persist cohesiveness scores: %w", err)
	}
	e.mu.Unlock()

	healing := 0
	for _, f := range toHeal {
		task := &domain.HealingTask{
			ID:    ids.NewID(),
			JobID: "cron-cohesiveness",
			Issue: domain.HealingIssue{
				Type:        "cohesiveness_critical",
				Severity:    "high",
				Description: fmt.Sprintf("repo %s has %d critical auto-fixable issues", f.fullName, len(f.issues)),
				Context: map[string]interface{}{
					"repoName": f.fullName,
					"issues":   f.issues,
				},
			},
			Strategy:    domain.StrategyEscalateToAgent,
			Attempts:    0,
			MaxAttempts: 1,
			Status:      domain.HealingStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.queue.EnqueueHealing(ctx, task); err != nil {
			e.mu.Lock()
			e.recordErrorLocked(fmt.Sprintf("enqueue healing for %s: %v", f.fullName, err))
			e.mu.Unlock()
			continue
		}
		healing++
	}

	e.log.WithFields(logger.Fields{
		logger.FieldCount: checked,
		"healing_tasks":   healing,
	}).Info("Cohesiveness check finished")
	return CheckResult{Checked: checked, HealingTasks: healing}, nil
}

// RepoScore is one entry in the cohesiveness report.
type RepoScore struct {
	FullName string                   `json:"full_name"`
	Score    domain.CohesivenessScore `json:"score"`
}

// Report is the response of CohesivenessReport.
type Report struct {
	Repos          []RepoScore                  `json:"repos"`
	AverageOverall int                          `json:"average_overall"`
	BySeverity     map[domain.IssueSeverity]int `json:"by_severity"`
	AutoFixable    int                          `json:"auto_fixable"`
}

// CohesivenessReport aggregates the stored scores: per-repo entries, the
// average overall score, and issue counts by severity and auto-fixability.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - Report: aggregate report over repos that have been scored.
func (e *Engine) CohesivenessReport(ctx context.Context) Report {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := Report{BySeverity: make(map[domain.IssueSeverity]int)}
	sum := 0
	for _, repo := range e.st.Repos {
		if repo.Cohesiveness == nil {
			continue
		}
		report.Repos = append(report.Repos, RepoScore{FullName: repo.FullName, Score: *repo.Cohesiveness})
		sum += repo.Cohesiveness.Overall
		for _, is := range repo.Cohesiveness.Issues {
			report.BySeverity[is.Severity]++
			if is.AutoFixable {
				report.AutoFixable++
			}
		}
	}
	sort.Slice(report.Repos, func(i, k int) bool { return report.Repos[i].FullName < report.Repos[k].FullName })
	if len(report.Repos) > 0 {
		report.AverageOverall = sum / len(report.Repos)
	}
	return report
}

// UpdateRepo upserts a scraped repo record and mirrors it to the shared cache
// under repo:{fullName}. The engine's cache write is canonical and carries no
// TTL.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - data: scraped repo record; FullName is required.
//
// Returns:
//   - error: domain.ErrValidation on a missing FullName, or a persistence
//     error.
func (e *Engine) UpdateRepo(ctx context.Context, data domain.RepoData) error {
	if data.FullName == "" {
		return fmt.Errorf("repo full name is required: %w", domain.ErrValidation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, existed := e.st.Repos[data.FullName]
	stored := data
	e.st.Repos[data.FullName] = &stored
	if err := e.persist(); err != nil {
		if existed {
			e.st.Repos[data.FullName] = prev
		} else {
			delete(e.st.Repos, data.FullName)
		}
		return fmt.Errorf("failed to persist repo %s: %w", data.FullName, err)
	}

	if err := e.store.SetJSON(kv.RepoKey(data.FullName), &stored, 0); err != nil {
		e.recordErrorLocked(fmt.Sprintf("cache repo %s: %v", data.FullName, err))
	}

	e.log.WithField(logger.FieldRepo, data.FullName).Debug("Repo updated")
	return nil
}

// GetRepo returns the stored record for fullName.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - fullName: repository "owner/name".
//
// Returns:
//   - domain.RepoData: stored record.
//   - error: domain.ErrNotFound if the repo has never been scraped.
func (e *Engine) GetRepo(ctx context.Context, fullName string) (domain.RepoData, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.st.Repos[fullName]
	if !ok {
		return domain.RepoData{}, fmt.Errorf("repo %s: %w", fullName, domain.ErrNotFound)
	}
	return *r, nil
}

// RefreshCache rewrites the canonical repo:{fullName} cache entries from the
// engine's state. Used by the update_cache job handler.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - int: number of cache entries rewritten.
//   - error: first cache write error, if any.
func (e *Engine) RefreshCache(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	written := 0
	for name, repo := range e.st.Repos {
		if err := e.store.SetJSON(kv.RepoKey(name), repo, 0); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to refresh cache for %s: %w", name, err)
			}
			continue
		}
		written++
	}
	return written, firstErr
}
