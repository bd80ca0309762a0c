package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Queue is the Redis-list task queue shared by the dispatcher (producer)
// and the worker pool (consumers).
type Queue struct {
	client     *redis.Client
	key        string // pending list
	processing string // in-flight list
	lease      time.Duration
	logger     zerolog.Logger

	mu       sync.Mutex
	inflight map[string]string // task ID -> raw payload, for Ack/Requeue
}

// New connects a queue over an existing Redis client.
func New(client *redis.Client, key string, lease time.Duration, logger zerolog.Logger) *Queue {
	return &Queue{
		client:     client,
		key:        key,
		processing: key + ":processing",
		lease:      lease,
		logger:     logger,
		inflight:   make(map[string]string),
	}
}

// Enqueue pushes a task onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, t *Task) error {
	data, err := t.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", t.Name, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next task, atomically moving it to
// the processing list and stamping a lease key. Returns (nil, nil) when
// the timeout elapses with no work.
//
// Each call leases exactly one task (prefetch 1), so a slow task on one
// worker never starves the others of queued work.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Task, error) {
	raw, err := q.client.BLMove(ctx, q.key, q.processing, "RIGHT", "LEFT", timeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	t, err := Decode([]byte(raw))
	if err != nil {
		// Poison payload: drop it from processing so it cannot cycle.
		q.client.LRem(ctx, q.processing, 1, raw)
		return nil, fmt.Errorf("dropping undecodable task: %w", err)
	}

	if err := q.client.Set(ctx, q.leaseKey(t.ID), "1", q.lease).Err(); err != nil {
		q.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to stamp task lease")
	}

	q.mu.Lock()
	q.inflight[t.ID] = raw
	q.mu.Unlock()

	return t, nil
}

// Ack removes a completed task from the processing list. Called only
// after the task's side effects are done (late acknowledgement).
func (q *Queue) Ack(ctx context.Context, t *Task) error {
	raw, ok := q.takeInflight(t.ID)
	if !ok {
		return fmt.Errorf("ack %s: task %s not leased by this consumer", t.Name, t.ID)
	}
	if err := q.client.LRem(ctx, q.processing, 1, raw).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", t.Name, err)
	}
	q.client.Del(ctx, q.leaseKey(t.ID))
	return nil
}

// Requeue acks the current delivery and pushes a fresh envelope with the
// retry count bumped. The caller is responsible for any backoff delay.
func (q *Queue) Requeue(ctx context.Context, t *Task) error {
	raw, ok := q.takeInflight(t.ID)
	if !ok {
		return fmt.Errorf("requeue %s: task %s not leased by this consumer", t.Name, t.ID)
	}

	retry := *t
	retry.Retries++
	data, err := retry.Encode()
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, raw)
	pipe.LPush(ctx, q.key, data)
	pipe.Del(ctx, q.leaseKey(t.ID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue %s: %w", t.Name, err)
	}
	return nil
}

// Depth returns the pending list length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// ReapExpired requeues processing-list entries whose lease key is gone.
// A missing lease means the worker that held the task died (or the lease
// outlived the task's runtime budget); either way the task goes back to
// QUEUED. Returns the number of tasks recovered.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	entries, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("reap scan: %w", err)
	}

	recovered := 0
	for _, raw := range entries {
		t, err := Decode([]byte(raw))
		if err != nil {
			q.client.LRem(ctx, q.processing, 1, raw)
			continue
		}
		n, err := q.client.Exists(ctx, q.leaseKey(t.ID)).Result()
		if err != nil {
			return recovered, fmt.Errorf("reap lease check: %w", err)
		}
		if n > 0 {
			continue // lease still held
		}

		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processing, 1, raw)
		pipe.LPush(ctx, q.key, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("reap requeue: %w", err)
		}
		recovered++
		q.logger.Warn().
			Str("task_id", t.ID).
			Str("task", t.Name).
			Msg("Requeued task with expired lease")
	}
	return recovered, nil
}

// StartReaper runs ReapExpired on an interval until ctx is cancelled.
func (q *Queue) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.ReapExpired(ctx); err != nil && ctx.Err() == nil {
					q.logger.Error().Err(err).Msg("Lease reaper error")
				}
			}
		}
	}()
}

func (q *Queue) takeInflight(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	raw, ok := q.inflight[id]
	if ok {
		delete(q.inflight, id)
	}
	return raw, ok
}

func (q *Queue) leaseKey(taskID string) string {
	return q.key + ":lease:" + taskID
}
