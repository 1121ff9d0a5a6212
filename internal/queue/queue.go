package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	QueueRender   = "queue:render"
	QueueTransfer = "queue:transfer"

	// lockTTL bounds how long an idempotency lock can outlive a lost job.
	lockTTL = 24 * time.Hour

	// defaultResultTTL is how long job results stay readable after completion.
	defaultResultTTL = 2 * time.Hour

	// promoteBatch limits how many delayed jobs one dequeue pass promotes.
	promoteBatch = 32
)

// Message is the transport envelope. The payload is one of the tagged
// variants in the models package; the queue itself never inspects it.
type Message struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

type Queue struct {
	client    *redis.Client
	resultTTL time.Duration
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Queue{client: client, resultTTL: defaultResultTTL}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func lockKey(id string) string   { return "queue:lock:" + id }
func resultKey(id string) string { return "queue:result:" + id }
func delayedKey(queueName string) string {
	return queueName + ":delayed"
}

// Enqueue adds a job to the named queue. The id is the idempotency key:
// while a job with this id is waiting to be dequeued, further enqueues under
// the same id collapse into it. An optional delay defers delivery.
func (q *Queue) Enqueue(ctx context.Context, queueName, id string, payload interface{}, delay time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	msg := Message{ID: id, Payload: raw, EnqueuedAt: time.Now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	acquired, err := q.client.SetNX(ctx, lockKey(id), 1, lockTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire enqueue lock: %w", err)
	}
	if !acquired {
		log.Printf("[Queue] Job %s already enqueued on %s, collapsing duplicate", id, queueName)
		return nil
	}

	if delay > 0 {
		readyAt := float64(time.Now().Add(delay).UnixMilli())
		if err := q.client.ZAdd(ctx, delayedKey(queueName), &redis.Z{Score: readyAt, Member: data}).Err(); err != nil {
			return fmt.Errorf("failed to schedule delayed job: %w", err)
		}
		return nil
	}

	return q.client.RPush(ctx, queueName, data).Err()
}

// Dequeue promotes any due delayed jobs, then blocks for up to timeout
// waiting for the next message. Returns nil when nothing is available.
// The idempotency lock is released on dequeue so a running handler can
// reschedule itself under the same id.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Message, error) {
	if err := q.promoteDue(ctx, queueName); err != nil {
		log.Printf("[Queue] Failed to promote delayed jobs on %s: %v", queueName, err)
	}

	result, err := q.client.BLPop(ctx, timeout, queueName).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected redis response")
	}

	var msg Message
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	if err := q.client.Del(ctx, lockKey(msg.ID)).Err(); err != nil {
		log.Printf("[Queue] Failed to release lock for %s: %v", msg.ID, err)
	}

	return &msg, nil
}

// promoteDue moves delayed jobs whose time has come onto the ready list.
// ZRem returning zero means another worker won the promotion race.
func (q *Queue) promoteDue(ctx context.Context, queueName string) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	due, err := q.client.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min:   "0",
		Max:   now,
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, delayedKey(queueName), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.RPush(ctx, queueName, member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// SetResult stores a job's outcome under its idempotency key with a bounded
// retention.
func (q *Queue) SetResult(ctx context.Context, id string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	return q.client.Set(ctx, resultKey(id), data, q.resultTTL).Err()
}

// GetResult fetches a stored job outcome. The second return is false when no
// result exists (never ran, still running, or expired past retention).
func (q *Queue) GetResult(ctx context.Context, id string, dest interface{}) (bool, error) {
	data, err := q.client.Get(ctx, resultKey(id)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get result: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return true, nil
}

func (q *Queue) GetQueueLength(ctx context.Context, queueName string) (int64, error) {
	return q.client.LLen(ctx, queueName).Result()
}
