package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/blackroad/repoplane/internal/coordinator"
	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/healer"
	"github.com/blackroad/repoplane/internal/kv"
	"github.com/blackroad/repoplane/internal/logger"
	"github.com/blackroad/repoplane/internal/queue"
	"github.com/blackroad/repoplane/internal/syncengine"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type memMessage struct {
	id      string
	queue   string
	body    []byte
	visible bool
	acked   bool
	tries   int
}

// memQueue is an in-memory queue with immediate redelivery, standing in for
// the durable queue in processor tests. failScrapeEnqueue forces sync_content
// handlers to fail.
type memQueue struct {
	messages          []*memMessage
	seq               int
	failScrapeEnqueue bool
}

func (q *memQueue) add(name string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	q.seq++
	q.messages = append(q.messages, &memMessage{
		id:      fmt.Sprintf("%s-%d", name, q.seq),
		queue:   name,
		body:    raw,
		visible: true,
	})
	return nil
}

func (q *memQueue) EnqueueJob(ctx context.Context, job *domain.Job) error {
	return q.add(queue.QueueJobs, job)
}

func (q *memQueue) EnqueueScrape(ctx context.Context, task *domain.ScrapeTask) error {
	if q.failScrapeEnqueue {
		return errors.New("scrape queue unavailable")
	}
	return q.add(queue.QueueScrape, task)
}

func (q *memQueue) EnqueueHealing(ctx context.Context, task *domain.HealingTask) error {
	return q.add(queue.QueueHealing, task)
}

func (q *memQueue) Consume(ctx context.Context, name string, limit int) ([]queue.Delivery, error) {
	var out []queue.Delivery
	for _, m := range q.messages {
		if len(out) >= limit {
			break
		}
		if m.queue != name || m.acked || !m.visible {
			continue
		}
		m.visible = false
		m.tries++
		out = append(out, queue.Delivery{
			MessageID:       m.id,
			Queue:           m.queue,
			Body:            m.body,
			DeliveryAttempt: m.tries,
		})
	}
	return out, nil
}

func (q *memQueue) Ack(ctx context.Context, messageID string) error {
	for _, m := range q.messages {
		if m.id == messageID {
			m.acked = true
		}
	}
	return nil
}

func (q *memQueue) Retry(ctx context.Context, messageID string, delay time.Duration) error {
	for _, m := range q.messages {
		if m.id == messageID {
			m.visible = true
		}
	}
	return nil
}

func (q *memQueue) pending(name string) []*memMessage {
	var out []*memMessage
	for _, m := range q.messages {
		if m.queue == name && !m.acked {
			out = append(out, m)
		}
	}
	return out
}

// scriptedScraper returns canned results per repo full name.
type scriptedScraper struct {
	data map[string]*domain.RepoData
	errs map[string]error
}

func (s *scriptedScraper) Resolve(repo string) string {
	if strings.Contains(repo, "/") {
		return repo
	}
	return "acme/" + repo
}

func (s *scriptedScraper) Scrape(ctx context.Context, task domain.ScrapeTask, etag string) (*domain.RepoData, error) {
	full := s.Resolve(task.Repo)
	if err, ok := s.errs[full]; ok {
		return nil, err
	}
	if data, ok := s.data[full]; ok {
		if etag != "" && data.ETag == etag {
			return nil, nil
		}
		copied := *data
		return &copied, nil
	}
	return nil, errors.New("unknown repo")
}

type harness struct {
	proc   *Processor
	coord  *coordinator.Coordinator
	engine *syncengine.Engine
	healer *healer.Healer
	queue  *memQueue
	store  *kv.Store
	clock  *fakeClock
}

func newHarness(t *testing.T, sc *scriptedScraper) *harness {
	t.Helper()
	store, err := kv.Open(kv.InMemoryConfig())
	if err != nil {
		t.Fatalf("failed to open kv store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	mq := &memQueue{}
	log := logger.New(nil)

	coord, err := coordinator.New(store, mq, clock, 2, log)
	if err != nil {
		t.Fatalf("failed to create coordinator: %v", err)
	}
	engine, err := syncengine.New(store, mq, clock, []string{"foo"}, log)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	h, err := healer.New(store, mq, clock, healer.Options{
		Enabled: true,
		Sleep:   func(ctx context.Context, d time.Duration) {},
	}, log)
	if err != nil {
		t.Fatalf("failed to create healer: %v", err)
	}
	if sc == nil {
		sc = &scriptedScraper{}
	}

	return &harness{
		proc:   New(mq, coord, engine, h, sc, store, clock, 10, log),
		coord:  coord,
		engine: engine,
		healer: h,
		queue:  mq,
		store:  store,
		clock:  clock,
	}
}

func TestJobRetriesThenHeals(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.failScrapeEnqueue = true
	ctx := context.Background()

	job, err := h.coord.CreateJob(ctx, domain.Job{
		Type:       domain.JobTypeSyncContent,
		Payload:    domain.Payload{"repoName": "acme/foo"},
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	// First and second failures leave the job pending with the retry count
	// bumped.
	for attempt := 1; attempt <= 2; attempt++ {
		if n := h.proc.ProcessJobBatch(ctx); n != 1 {
			t.Fatalf("attempt %d: expected 1 delivery, got %d", attempt, n)
		}
		got, err := h.coord.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if got.Status != domain.JobStatusPending {
			t.Errorf("attempt %d: expected pending, got %s", attempt, got.Status)
		}
		if got.RetryCount != attempt {
			t.Errorf("attempt %d: expected retry count %d, got %d", attempt, attempt, got.RetryCount)
		}
		if got.RetryCount > got.MaxRetries {
			t.Errorf("retry count %d exceeds budget %d", got.RetryCount, got.MaxRetries)
		}
	}

	// Third failure exhausts the budget: healing status plus one healing
	// task.
	if n := h.proc.ProcessJobBatch(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	got, err := h.coord.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if got.Status != domain.JobStatusHealing {
		t.Errorf("expected healing, got %s", got.Status)
	}
	if got.Error == "" {
		t.Error("expected the failure recorded on the job")
	}

	healingMsgs := h.queue.pending(queue.QueueHealing)
	if len(healingMsgs) != 1 {
		t.Fatalf("expected 1 healing task, got %d", len(healingMsgs))
	}
	var task domain.HealingTask
	if err := json.Unmarshal(healingMsgs[0].body, &task); err != nil {
		t.Fatalf("failed to decode healing task: %v", err)
	}
	if task.Strategy != domain.StrategyRetryWithBackoff {
		t.Errorf("expected retry_with_backoff, got %s", task.Strategy)
	}
	if task.MaxAttempts != 5 {
		t.Errorf("expected max attempts 5, got %d", task.MaxAttempts)
	}
	if task.JobID != job.ID {
		t.Errorf("expected back-reference to %s, got %s", job.ID, task.JobID)
	}

	metrics := h.coord.Metrics(ctx)
	if metrics.TotalHealing != 1 {
		t.Errorf("expected TotalHealing 1, got %d", metrics.TotalHealing)
	}
	if metrics.TotalFailed != 0 {
		t.Errorf("expected TotalFailed unchanged, got %d", metrics.TotalFailed)
	}

	// The exhausted job message is acked, not redelivered.
	if left := h.queue.pending(queue.QueueJobs); len(left) != 0 {
		t.Errorf("expected job message acked, %d left", len(left))
	}
}

func TestHappyScrapeStoresRepo(t *testing.T) {
	sc := &scriptedScraper{data: map[string]*domain.RepoData{
		"acme/foo": {
			FullName:      "acme/foo",
			DefaultBranch: "main",
			Structure: domain.RepoStructure{
				Files:          []string{"README.md", "package.json", "tsconfig.json", "wrangler.toml"},
				Directories:    []string{"src"},
				HasPackageJSON: true,
				HasTSConfig:    true,
				HasWrangler:    true,
			},
			ETag: `W/"v1"`,
		},
	}}
	h := newHarness(t, sc)
	ctx := context.Background()

	if err := h.queue.add(queue.QueueScrape, &domain.ScrapeTask{
		ID:         "scrape-1",
		Repo:       "acme/foo",
		ScrapeType: domain.ScrapeTypeFull,
		Priority:   domain.JobPriorityNormal,
	}); err != nil {
		t.Fatalf("failed to seed scrape task: %v", err)
	}

	if n := h.proc.ProcessScrapeBatch(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	// The engine registry and the shared cache both hold the repo.
	repo, err := h.engine.GetRepo(ctx, "acme/foo")
	if err != nil {
		t.Fatalf("expected repo recorded: %v", err)
	}
	if repo.FullName != "acme/foo" {
		t.Errorf("expected acme/foo, got %s", repo.FullName)
	}
	var cached domain.RepoData
	if err := h.store.GetJSON(kv.RepoKey("acme/foo"), &cached); err != nil {
		t.Fatalf("expected repo:acme/foo cached: %v", err)
	}

	// Scoring the stored structure yields a healthy repo and no healing.
	if _, err := h.engine.TriggerCohesivenessCheck(ctx); err != nil {
		t.Fatalf("cohesiveness check failed: %v", err)
	}
	scored, _ := h.engine.GetRepo(ctx, "acme/foo")
	if scored.Cohesiveness == nil || scored.Cohesiveness.Overall < 90 {
		t.Errorf("expected overall >= 90, got %+v", scored.Cohesiveness)
	}
	if len(h.queue.pending(queue.QueueHealing)) != 0 {
		t.Error("expected no healing tasks for a healthy repo")
	}

	if left := h.queue.pending(queue.QueueScrape); len(left) != 0 {
		t.Errorf("expected scrape message acked, %d left", len(left))
	}
}

func TestScrapeEtagMatchAcksWithoutChange(t *testing.T) {
	sc := &scriptedScraper{data: map[string]*domain.RepoData{
		"acme/foo": {FullName: "acme/foo", ETag: `W/"v1"`},
	}}
	h := newHarness(t, sc)
	ctx := context.Background()

	// Seed the engine so the stored ETag matches the upstream one.
	if err := h.engine.UpdateRepo(ctx, domain.RepoData{FullName: "acme/foo", ETag: `W/"v1"`}); err != nil {
		t.Fatalf("UpdateRepo failed: %v", err)
	}

	if err := h.queue.add(queue.QueueScrape, &domain.ScrapeTask{
		ID:         "scrape-2",
		Repo:       "acme/foo",
		ScrapeType: domain.ScrapeTypeIncremental,
	}); err != nil {
		t.Fatalf("failed to seed scrape task: %v", err)
	}

	before, _ := h.engine.GetRepo(ctx, "acme/foo")
	if n := h.proc.ProcessScrapeBatch(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	after, _ := h.engine.GetRepo(ctx, "acme/foo")

	if !after.LastScrapedAt.Equal(before.LastScrapedAt) {
		t.Error("ETag match must not touch the stored record")
	}
	if left := h.queue.pending(queue.QueueScrape); len(left) != 0 {
		t.Errorf("expected ack on ETag match, %d left", len(left))
	}
}

func TestScrapeFailureFilesHealingAndRedelivers(t *testing.T) {
	sc := &scriptedScraper{errs: map[string]error{
		"acme/foo": errors.New("upstream 502"),
	}}
	h := newHarness(t, sc)
	ctx := context.Background()

	if err := h.queue.add(queue.QueueScrape, &domain.ScrapeTask{
		ID:         "scrape-3",
		Repo:       "foo",
		ScrapeType: domain.ScrapeTypeFull,
	}); err != nil {
		t.Fatalf("failed to seed scrape task: %v", err)
	}

	if n := h.proc.ProcessScrapeBatch(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	healingMsgs := h.queue.pending(queue.QueueHealing)
	if len(healingMsgs) != 1 {
		t.Fatalf("expected 1 healing task, got %d", len(healingMsgs))
	}
	var task domain.HealingTask
	if err := json.Unmarshal(healingMsgs[0].body, &task); err != nil {
		t.Fatalf("failed to decode healing task: %v", err)
	}
	if task.Strategy != domain.StrategyRetryWithBackoff || task.MaxAttempts != 3 {
		t.Errorf("expected retry_with_backoff max 3, got %s max %d", task.Strategy, task.MaxAttempts)
	}
	if !strings.HasPrefix(task.JobID, "scrape-") {
		t.Errorf("expected synthetic scrape job id, got %s", task.JobID)
	}

	// The scrape message is redelivered, not dropped.
	if left := h.queue.pending(queue.QueueScrape); len(left) != 1 || !left[0].visible {
		t.Error("expected scrape task scheduled for redelivery")
	}
}

func TestHealingProcessorAcksTerminalTasks(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	task := domain.HealingTask{
		ID:          "heal-1",
		JobID:       "worker-error",
		Issue:       domain.HealingIssue{Type: "job_failure", Severity: "high", Description: "boom"},
		Strategy:    domain.StrategyEscalateToAgent,
		MaxAttempts: 1,
		Status:      domain.HealingStatusPending,
	}
	if err := h.queue.add(queue.QueueHealing, &task); err != nil {
		t.Fatalf("failed to seed healing task: %v", err)
	}

	if n := h.proc.ProcessHealingBatch(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	// Escalation is terminal: message acked, record archived, notify job
	// queued.
	if left := h.queue.pending(queue.QueueHealing); len(left) != 0 {
		t.Errorf("expected healing message acked, %d left", len(left))
	}
	if ok, _ := h.store.Has(kv.EscalatedKey("heal-1")); !ok {
		t.Error("expected escalated record")
	}
	jobs := h.queue.pending(queue.QueueJobs)
	if len(jobs) != 1 {
		t.Fatalf("expected notify job enqueued, got %d", len(jobs))
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	job, err := h.coord.CreateJob(ctx, domain.Job{Type: domain.JobTypeSyncContent})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if n := h.proc.ProcessJobBatch(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}

	got, _ := h.coord.GetJob(ctx, job.ID)
	if got.Status != domain.JobStatusFailed {
		t.Errorf("expected failed without retries, got %s", got.Status)
	}
	if got.RetryCount != 0 {
		t.Errorf("validation failures must not consume retries, got %d", got.RetryCount)
	}
	if left := h.queue.pending(queue.QueueJobs); len(left) != 0 {
		t.Errorf("expected message acked, %d left", len(left))
	}
}

func TestNotifyJobRecordsNotification(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.coord.CreateJob(ctx, domain.Job{
		Type:    domain.JobTypeNotify,
		Payload: domain.Payload{"issueType": "job_failure", "taskId": "heal-9"},
	}); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if n := h.proc.ProcessJobBatch(ctx); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if ok, _ := h.store.Has(kv.MetricsKey("notify:last")); !ok {
		t.Error("expected notification record")
	}
}
