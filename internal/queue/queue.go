package queue

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/ids"
	"gorm.io/gorm"
)

// Queue names for the three durable work queues.
const (
	QueueJobs    = "jobs"
	QueueScrape  = "scrape"
	QueueHealing = "healing"
)

// DefaultVisibilityTimeout is how long a delivered message stays invisible
// before it is redelivered to another consumer.
const DefaultVisibilityTimeout = 5 * time.Minute

// JSONBody is a custom type for storing a JSON message body as text.
type JSONBody json.RawMessage

// Value implements the driver.Valuer interface for database serialization.
// Parameters: none.
// Returns:
//   - driver.Value: JSON text of the body.
//   - error: always nil.
func (b JSONBody) Value() (driver.Value, error) {
	if b == nil {
		return "{}", nil
	}
	return string(b), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
// Parameters:
//   - value: raw database value to decode.
//
// Returns:
//   - error: non-nil if the type is unexpected.
func (b *JSONBody) Scan(value interface{}) error {
	if value == nil {
		*b = JSONBody("{}")
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		str, ok := value.(string)
		if !ok {
			return errors.New("failed to scan JSONBody")
		}
		bytes = []byte(str)
	}
	*b = JSONBody(bytes)
	return nil
}

// Message represents one durable queue message row. Delivery is
// at-least-once: a consumed message becomes invisible for the visibility
// timeout and reappears unless acked.
type Message struct {
	ID        string    `gorm:"type:text;primaryKey" json:"id"`
	Queue     string    `gorm:"type:text;not null;index:idx_messages_ready" json:"queue"`
	Body      JSONBody  `gorm:"type:text" json:"body"`
	Attempts  int       `gorm:"default:0" json:"attempts"`
	VisibleAt time.Time `gorm:"index:idx_messages_ready" json:"visible_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Message.
// Parameters: none.
// Returns:
//   - string: table name for GORM mapping.
func (Message) TableName() string {
	return "queue_messages"
}

// Delivery is one consumed message handed to a processor. DeliveryAttempt is
// 1-based and counts this delivery.
type Delivery struct {
	MessageID       string
	Queue           string
	Body            []byte
	DeliveryAttempt int
}

// Decode unmarshals the delivery body into out.
// Parameters:
//   - out: destination for json.Unmarshal.
//
// Returns:
//   - error: non-nil if decoding fails.
func (d *Delivery) Decode(out interface{}) error {
	if err := json.Unmarshal(d.Body, out); err != nil {
		return fmt.Errorf("failed to decode message %s: %w", d.MessageID, err)
	}
	return nil
}

// Queue is a durable multi-queue backed by a single database table.
type Queue struct {
	db                *gorm.DB
	clock             ids.Clock
	visibilityTimeout time.Duration
}

// New creates a Queue on top of an initialized database handle.
// Parameters:
//   - db: GORM database handle.
//   - clock: clock used for visibility bookkeeping.
//
// Returns:
//   - *Queue: queue instance.
func New(db *gorm.DB, clock ids.Clock) *Queue {
	return &Queue{
		db:                db,
		clock:             clock,
		visibilityTimeout: DefaultVisibilityTimeout,
	}
}

// Enqueue appends a message holding the JSON encoding of body to queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - queue: destination queue name.
//   - body: value to marshal as the message body.
//
// Returns:
//   - error: non-nil if encoding or the insert fails.
func (q *Queue) Enqueue(ctx context.Context, queue string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode message body: %w", err)
	}
	now := q.clock.Now()
	msg := &Message{
		ID:        ids.NewID(),
		Queue:     queue,
		Body:      JSONBody(raw),
		VisibleAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return q.db.WithContext(ctx).Create(msg).Error
}

// EnqueueJob places a coordinator job onto the jobs queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - job: job to enqueue.
//
// Returns:
//   - error: non-nil if the enqueue fails.
func (q *Queue) EnqueueJob(ctx context.Context, job *domain.Job) error {
	return q.Enqueue(ctx, QueueJobs, job)
}

// EnqueueScrape places a scrape task onto the scrape queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - task: scrape task to enqueue.
//
// Returns:
//   - error: non-nil if the enqueue fails.
func (q *Queue) EnqueueScrape(ctx context.Context, task *domain.ScrapeTask) error {
	return q.Enqueue(ctx, QueueScrape, task)
}

// EnqueueHealing places a healing task onto the healing queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - task: healing task to enqueue.
//
// Returns:
//   - error: non-nil if the enqueue fails.
func (q *Queue) EnqueueHealing(ctx context.Context, task *domain.HealingTask) error {
	return q.Enqueue(ctx, QueueHealing, task)
}

// Consume fetches up to limit ready messages from queue and makes them
// invisible for the visibility timeout. Each returned delivery must be acked
// or retried by the consumer; unacked messages reappear after the timeout.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - queue: queue name to consume from.
//   - limit: maximum number of messages to deliver.
//
// Returns:
//   - []Delivery: delivered messages, oldest first.
//   - error: non-nil if the fetch fails.
func (q *Queue) Consume(ctx context.Context, queue string, limit int) ([]Delivery, error) {
	now := q.clock.Now()
	var deliveries []Delivery

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msgs []Message
		if err := tx.
			Where("queue = ? AND visible_at <= ?", queue, now).
			Order("created_at ASC").
			Limit(limit).
			Find(&msgs).Error; err != nil {
			return err
		}

		for i := range msgs {
			msg := &msgs[i]
			if err := tx.Model(msg).Updates(map[string]interface{}{
				"attempts":   msg.Attempts + 1,
				"visible_at": now.Add(q.visibilityTimeout),
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
			deliveries = append(deliveries, Delivery{
				MessageID:       msg.ID,
				Queue:           msg.Queue,
				Body:            []byte(msg.Body),
				DeliveryAttempt: msg.Attempts + 1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
	}
	return deliveries, nil
}

// Ack removes a delivered message from the queue.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - messageID: ID of the delivered message.
//
// Returns:
//   - error: non-nil if the delete fails.
func (q *Queue) Ack(ctx context.Context, messageID string) error {
	return q.db.WithContext(ctx).Delete(&Message{}, "id = ?", messageID).Error
}

// Retry schedules a delivered message for redelivery after delay.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - messageID: ID of the delivered message.
//   - delay: time until the message becomes visible again.
//
// Returns:
//   - error: non-nil if the update fails.
func (q *Queue) Retry(ctx context.Context, messageID string, delay time.Duration) error {
	now := q.clock.Now()
	return q.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", messageID).
		Updates(map[string]interface{}{
			"visible_at": now.Add(delay),
			"updated_at": now,
		}).Error
}

// Depth returns the number of messages currently stored in queue, visible or
// not.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//   - queue: queue name to count.
//
// Returns:
//   - int64: message count.
//   - error: non-nil if the count fails.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&Message{}).Where("queue = ?", queue).Count(&count).Error
	return count, err
}
