package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/kv"
	"github.com/blackroad/repoplane/internal/logger"
)

// fakeClock is a settable clock for time-dependent assertions.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

// fakeJobQueue records enqueued jobs.
type fakeJobQueue struct {
	jobs []domain.Job
}

func (q *fakeJobQueue) EnqueueJob(ctx context.Context, job *domain.Job) error {
	q.jobs = append(q.jobs, *job)
	return nil
}

func newTestCoordinator(t *testing.T, clock *fakeClock) (*Coordinator, *fakeJobQueue, *kv.Store) {
	t.Helper()
	store, err := kv.Open(kv.InMemoryConfig())
	if err != nil {
		t.Fatalf("failed to open kv store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	queue := &fakeJobQueue{}
	coord, err := New(store, queue, clock, 3, logger.New(nil))
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	return coord, queue, store
}

func TestCreateJobDefaultsAndRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	coord, queue, _ := newTestCoordinator(t, clock)
	ctx := context.Background()

	created, err := coord.CreateJob(ctx, domain.Job{})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if created.ID == "" {
		t.Error("expected a generated ID")
	}
	if created.Type != domain.JobTypeSyncContent {
		t.Errorf("expected default type sync_content, got %s", created.Type)
	}
	if created.Priority != domain.JobPriorityNormal {
		t.Errorf("expected default priority normal, got %s", created.Priority)
	}
	if created.Status != domain.JobStatusPending {
		t.Errorf("expected status pending, got %s", created.Status)
	}
	if created.MaxRetries != 3 {
		t.Errorf("expected configured max retries 3, got %d", created.MaxRetries)
	}
	if created.RetryCount != 0 || created.HealingAttempts != 0 {
		t.Errorf("expected zeroed counters, got retry=%d healing=%d", created.RetryCount, created.HealingAttempts)
	}
	if !created.CreatedAt.Equal(clock.now) {
		t.Errorf("expected CreatedAt %v, got %v", clock.now, created.CreatedAt)
	}

	if len(queue.jobs) != 1 || queue.jobs[0].ID != created.ID {
		t.Fatalf("expected job enqueued once, got %d", len(queue.jobs))
	}

	got, err := coord.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.ID != created.ID || got.Type != created.Type || got.Priority != created.Priority {
		t.Errorf("GetJob returned a different record: %+v vs %+v", got, created)
	}

	metrics := coord.Metrics(ctx)
	if metrics.TotalCreated != 1 {
		t.Errorf("expected TotalCreated 1, got %d", metrics.TotalCreated)
	}
	if metrics.ByStatus[domain.JobStatusPending] != 1 {
		t.Errorf("expected 1 pending job, got %d", metrics.ByStatus[domain.JobStatusPending])
	}
}

func TestListJobsOrderingAndLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	coord, _, _ := newTestCoordinator(t, clock)
	ctx := context.Background()

	// Creation times strictly increase.
	cases := []struct {
		priority domain.JobPriority
	}{
		{domain.JobPriorityLow},
		{domain.JobPriorityNormal},
		{domain.JobPriorityNormal},
		{domain.JobPriorityCritical},
		{domain.JobPriorityHigh},
	}
	for _, s := range cases {
		clock.now = clock.now.Add(time.Minute)
		if _, err := coord.CreateJob(ctx, domain.Job{Priority: s.priority}); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	res := coord.ListJobs(ctx, "", "", 0)
	if len(res.Jobs) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(res.Jobs))
	}

	wantOrder := []domain.JobPriority{
		domain.JobPriorityCritical,
		domain.JobPriorityHigh,
		domain.JobPriorityNormal,
		domain.JobPriorityNormal,
		domain.JobPriorityLow,
	}
	for i, want := range wantOrder {
		if res.Jobs[i].Priority != want {
			t.Errorf("position %d: expected %s, got %s", i, want, res.Jobs[i].Priority)
		}
	}
	// The two normal jobs tie on priority; newer first.
	if !res.Jobs[2].CreatedAt.After(res.Jobs[3].CreatedAt) {
		t.Error("expected tie-break by CreatedAt descending")
	}

	limited := coord.ListJobs(ctx, "", "", 2)
	if len(limited.Jobs) != 2 {
		t.Errorf("expected limit 2, got %d jobs", len(limited.Jobs))
	}
	if limited.Jobs[0].Priority != domain.JobPriorityCritical {
		t.Errorf("limited list should lead with critical, got %s", limited.Jobs[0].Priority)
	}
}

func TestUpdateJobStatusSideEffects(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	coord, _, _ := newTestCoordinator(t, clock)
	ctx := context.Background()

	job, err := coord.CreateJob(ctx, domain.Job{})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	clock.now = clock.now.Add(time.Minute)
	completed := domain.JobStatusCompleted
	updated, err := coord.UpdateJob(ctx, job.ID, JobPatch{Status: &completed})
	if err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if updated.CompletedAt == nil || !updated.CompletedAt.Equal(clock.now) {
		t.Error("expected CompletedAt set on completion")
	}
	if updated.CompletedAt.Before(updated.CreatedAt) {
		t.Error("CompletedAt must not precede CreatedAt")
	}
	if !updated.UpdatedAt.Equal(clock.now) {
		t.Error("expected UpdatedAt bumped")
	}

	failing, err := coord.CreateJob(ctx, domain.Job{})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	failed := domain.JobStatusFailed
	if _, err := coord.UpdateJob(ctx, failing.ID, JobPatch{Status: &failed}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	healing := domain.JobStatusHealing
	if _, err := coord.UpdateJob(ctx, failing.ID, JobPatch{Status: &healing}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	metrics := coord.Metrics(ctx)
	if metrics.TotalCompleted != 1 {
		t.Errorf("expected TotalCompleted 1, got %d", metrics.TotalCompleted)
	}
	if metrics.TotalFailed != 1 {
		t.Errorf("expected TotalFailed 1, got %d", metrics.TotalFailed)
	}
	if metrics.TotalHealing != 1 {
		t.Errorf("expected TotalHealing 1, got %d", metrics.TotalHealing)
	}
}

func TestUpdateJobNotFound(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	coord, _, _ := newTestCoordinator(t, clock)

	status := domain.JobStatusRunning
	if _, err := coord.UpdateJob(context.Background(), "missing", JobPatch{Status: &status}); err == nil {
		t.Fatal("expected not-found error")
	}
}

func TestCleanupHorizon(t *testing.T) {
	base := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: base.Add(-30 * time.Hour)}
	coord, _, _ := newTestCoordinator(t, clock)
	ctx := context.Background()

	completed := domain.JobStatusCompleted
	failed := domain.JobStatusFailed

	// Completed 25 hours before the cleanup run.
	clock.now = base.Add(-25 * time.Hour)
	old1, _ := coord.CreateJob(ctx, domain.Job{})
	if _, err := coord.UpdateJob(ctx, old1.ID, JobPatch{Status: &completed}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	// Completed 23 hours before the cleanup run.
	clock.now = base.Add(-23 * time.Hour)
	recent, _ := coord.CreateJob(ctx, domain.Job{})
	if _, err := coord.UpdateJob(ctx, recent.ID, JobPatch{Status: &completed}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	// Failed 30 hours before the cleanup run.
	clock.now = base.Add(-30 * time.Hour)
	old2, _ := coord.CreateJob(ctx, domain.Job{})
	if _, err := coord.UpdateJob(ctx, old2.ID, JobPatch{Status: &failed}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	clock.now = base
	res, err := coord.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if res.Cleaned != 2 {
		t.Errorf("expected 2 cleaned, got %d", res.Cleaned)
	}
	if res.Remaining != 1 {
		t.Errorf("expected 1 remaining, got %d", res.Remaining)
	}

	if _, err := coord.GetJob(ctx, recent.ID); err != nil {
		t.Error("job completed within the horizon should survive")
	}
	if _, err := coord.GetJob(ctx, old1.ID); err == nil {
		t.Error("job completed 25h ago should be cleaned")
	}

	// A second run has nothing left to collect.
	again, err := coord.Cleanup(ctx)
	if err != nil {
		t.Fatalf("second Cleanup failed: %v", err)
	}
	if again.Cleaned != 0 {
		t.Errorf("expected 0 cleaned on second run, got %d", again.Cleaned)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	store, err := kv.Open(kv.InMemoryConfig())
	if err != nil {
		t.Fatalf("failed to open kv store: %v", err)
	}
	defer store.Close()

	queue := &fakeJobQueue{}
	coord, err := New(store, queue, clock, 3, logger.New(nil))
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	job, err := coord.CreateJob(context.Background(), domain.Job{Type: domain.JobTypeCleanup})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// A fresh coordinator over the same store hydrates the same registry.
	reborn, err := New(store, queue, clock, 3, logger.New(nil))
	if err != nil {
		t.Fatalf("failed to rehydrate coordinator: %v", err)
	}
	got, err := reborn.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("rehydrated coordinator lost the job: %v", err)
	}
	if got.Type != domain.JobTypeCleanup {
		t.Errorf("expected type cleanup, got %s", got.Type)
	}
	if reborn.Metrics(context.Background()).TotalCreated != 1 {
		t.Error("expected counters to survive rehydration")
	}
}

func TestStuckJobs(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	coord, _, _ := newTestCoordinator(t, clock)
	ctx := context.Background()

	job, _ := coord.CreateJob(ctx, domain.Job{})
	running := domain.JobStatusRunning
	if _, err := coord.UpdateJob(ctx, job.ID, JobPatch{Status: &running}); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	if stuck := coord.StuckJobs(ctx); len(stuck) != 0 {
		t.Errorf("fresh running job should not be stuck, got %d", len(stuck))
	}

	clock.now = clock.now.Add(11 * time.Minute)
	stuck := coord.StuckJobs(ctx)
	if len(stuck) != 1 || stuck[0].ID != job.ID {
		t.Fatalf("expected 1 stuck job, got %d", len(stuck))
	}
}

func TestEmptyCoordinatorMetricsAreZero(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	coord, _, _ := newTestCoordinator(t, clock)

	m := coord.Metrics(context.Background())
	if m.TotalCreated != 0 || m.TotalCompleted != 0 || m.TotalFailed != 0 || m.TotalHealing != 0 {
		t.Errorf("expected zero counters, got %+v", m)
	}
	if len(m.ByStatus) != 0 {
		t.Errorf("expected empty status counts, got %v", m.ByStatus)
	}
}
