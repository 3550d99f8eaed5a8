// Package queue provides a minimal Redis-list-backed task queue standing in
// for the reference implementation's Celery queues ("ticks", "tools"). Jobs
// are JSON-encoded task envelopes; BLPOP gives workers a blocking pull with
// no extra broker to operate.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one unit of work pulled off a queue.
type Job struct {
	Task    string          `json:"task"`
	Payload json.RawMessage `json:"payload"`
}

// Queue is a named, durable FIFO backed by a Redis list.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New constructs a Queue with the given Redis list key name (e.g. "ticks",
// "tools").
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Name returns the queue's Redis key.
func (q *Queue) Name() string { return q.name }

// Enqueue pushes a new job onto the tail of the queue.
func (q *Queue) Enqueue(ctx context.Context, task string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload for %s: %w", task, err)
	}
	job := Job{Task: task, Payload: raw}
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", task, err)
	}
	if err := q.rdb.RPush(ctx, q.name, blob).Err(); err != nil {
		return fmt.Errorf("queue: rpush %s: %w", q.name, err)
	}
	return nil
}

// EnqueueDelayed schedules a job to become visible after delay by storing it
// in a sorted set keyed on due-time; a companion promoter (see
// PromoteDelayed) moves due jobs onto the live list. The tick driver and
// the workers enqueue with Enqueue; no caller in this module delays a job.
func (q *Queue) EnqueueDelayed(ctx context.Context, task string, payload any, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, task, payload)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal delayed payload for %s: %w", task, err)
	}
	job := Job{Task: task, Payload: raw}
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal delayed job %s: %w", task, err)
	}
	due := float64(time.Now().Add(delay).UnixNano()) / 1e9
	if err := q.rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: blob}).Err(); err != nil {
		return fmt.Errorf("queue: zadd delayed %s: %w", q.name, err)
	}
	return nil
}

func (q *Queue) delayedKey() string { return q.name + ":delayed" }

// PromoteDelayed moves any delayed jobs whose due time has passed onto the
// live list. Callers (typically a worker's poll loop) should call this
// periodically.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	now := float64(time.Now().UnixNano()) / 1e9
	due, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: zrangebyscore: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	pipe := q.rdb.TxPipeline()
	for _, blob := range due {
		pipe.RPush(ctx, q.name, blob)
	}
	pipe.ZRem(ctx, q.delayedKey(), toAnySlice(due)...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue: promote pipeline: %w", err)
	}
	return len(due), nil
}

// BlockingPop blocks up to timeout waiting for a job, returning nil if none
// arrived.
func (q *Queue) BlockingPop(ctx context.Context, timeout time.Duration) (*Job, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: blpop %s: %w", q.name, err)
	}
	if len(res) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal job from %s: %w", q.name, err)
	}
	return &job, nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
