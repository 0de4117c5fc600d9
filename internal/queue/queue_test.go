package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/blackroad/repoplane/internal/config"
	"github.com/blackroad/repoplane/internal/domain"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func newTestQueue(t *testing.T, clock *fakeClock) *Queue {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         filepath.Join(t.TempDir(), "queue.db"),
		MaxIdleConns: 1,
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	if err != nil {
		t.Fatalf("failed to init queue db: %v", err)
	}
	return New(db, clock)
}

func TestEnqueueConsumeAck(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	job := &domain.Job{ID: "job-1", Type: domain.JobTypeSyncContent}
	if err := q.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	deliveries, err := q.Consume(ctx, QueueJobs, 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}
	if deliveries[0].DeliveryAttempt != 1 {
		t.Errorf("expected first delivery attempt, got %d", deliveries[0].DeliveryAttempt)
	}

	var decoded domain.Job
	if err := deliveries[0].Decode(&decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.ID != "job-1" {
		t.Errorf("expected job-1, got %s", decoded.ID)
	}

	// A consumed message is invisible until the visibility timeout.
	again, err := q.Consume(ctx, QueueJobs, 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no redelivery while invisible, got %d", len(again))
	}

	if err := q.Ack(ctx, deliveries[0].MessageID); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	depth, err := q.Depth(ctx, QueueJobs)
	if err != nil {
		t.Fatalf("Depth failed: %v", err)
	}
	if depth != 0 {
		t.Errorf("expected empty queue after ack, got %d", depth)
	}
}

func TestUnackedMessageReappearsAfterVisibilityTimeout(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	if err := q.EnqueueScrape(ctx, &domain.ScrapeTask{ID: "s-1", Repo: "foo"}); err != nil {
		t.Fatalf("EnqueueScrape failed: %v", err)
	}
	first, err := q.Consume(ctx, QueueScrape, 1)
	if err != nil || len(first) != 1 {
		t.Fatalf("expected 1 delivery, got %d (err=%v)", len(first), err)
	}

	clock.now = clock.now.Add(DefaultVisibilityTimeout + time.Second)
	second, err := q.Consume(ctx, QueueScrape, 1)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("expected redelivery after timeout, got %d", len(second))
	}
	if second[0].DeliveryAttempt != 2 {
		t.Errorf("expected second attempt, got %d", second[0].DeliveryAttempt)
	}
}

func TestRetrySchedulesRedelivery(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	if err := q.EnqueueHealing(ctx, &domain.HealingTask{ID: "h-1"}); err != nil {
		t.Fatalf("EnqueueHealing failed: %v", err)
	}
	deliveries, _ := q.Consume(ctx, QueueHealing, 1)
	if len(deliveries) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(deliveries))
	}

	if err := q.Retry(ctx, deliveries[0].MessageID, time.Minute); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	// Not yet visible.
	if got, _ := q.Consume(ctx, QueueHealing, 1); len(got) != 0 {
		t.Errorf("expected no delivery before retry delay, got %d", len(got))
	}

	clock.now = clock.now.Add(2 * time.Minute)
	got, err := q.Consume(ctx, QueueHealing, 1)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected redelivery after retry delay, got %d", len(got))
	}
}

func TestQueuesAreIsolated(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	if err := q.EnqueueJob(ctx, &domain.Job{ID: "j-1"}); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if err := q.EnqueueScrape(ctx, &domain.ScrapeTask{ID: "s-1", Repo: "foo"}); err != nil {
		t.Fatalf("EnqueueScrape failed: %v", err)
	}

	scrapes, err := q.Consume(ctx, QueueScrape, 10)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(scrapes) != 1 || scrapes[0].Queue != QueueScrape {
		t.Errorf("expected only the scrape message, got %+v", scrapes)
	}
	if depth, _ := q.Depth(ctx, QueueJobs); depth != 1 {
		t.Errorf("expected the job message untouched, depth %d", depth)
	}
}

func TestConsumeOrdersOldestFirstAndHonorsLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)}
	q := newTestQueue(t, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		clock.now = clock.now.Add(time.Second)
		if err := q.EnqueueJob(ctx, &domain.Job{ID: string(rune('a' + i))}); err != nil {
			t.Fatalf("EnqueueJob failed: %v", err)
		}
	}

	deliveries, err := q.Consume(ctx, QueueJobs, 2)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if len(deliveries) != 2 {
		t.Fatalf("expected limit 2 honored, got %d", len(deliveries))
	}
	var first, second domain.Job
	deliveries[0].Decode(&first)
	deliveries[1].Decode(&second)
	if first.ID != "a" || second.ID != "b" {
		t.Errorf("expected oldest first, got %s then %s", first.ID, second.ID)
	}
}
