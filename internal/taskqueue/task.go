// Package taskqueue implements the durable enrichment task queue on Redis
// lists with at-least-once, late-acknowledged delivery.
//
// Delivery model:
//   - Enqueue: LPUSH onto the pending list.
//   - Dequeue: BLMOVE pending -> processing (atomic lease). The worker also
//     sets a per-task lease key with a TTL.
//   - Ack: LREM from the processing list after the task completes.
//   - Crash recovery: a reaper scans the processing list and requeues
//     entries whose lease key has expired, so a dead worker's task becomes
//     visible again (QUEUED) instead of being lost.
//
// Exactly-once is not provided here; the workers' idempotency gate makes
// redelivered side effects no-ops.
package taskqueue

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Task names. Dispatch is a switch over these, never reflection.
const (
	TaskEnrichUnderlying = "enrich_underlying"
	TaskEnrichQuote      = "enrich_option_quote"
	TaskEnrichChain      = "enrich_option_chain"
	TaskOHLC             = "ohlc"
	TaskIVSurface        = "recompute_iv_surface"
)

// Task is the JSON envelope carried on the queue.
type Task struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Retries    int             `json:"retries"`
}

// OHLCArgs are the arguments of an ohlc task.
type OHLCArgs struct {
	Product       string `json:"product"`
	WindowMinutes int    `json:"window_minutes"`
}

// IVSurfaceArgs are the arguments of a recompute_iv_surface task.
type IVSurfaceArgs struct {
	Product string `json:"product"`
}

// NewTask builds a task envelope, marshaling args and assigning a random
// ID for traceability across retries and the DLQ.
func NewTask(name string, args any) (*Task, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args for task %s: %w", name, err)
	}
	return &Task{
		ID:         newTaskID(),
		Name:       name,
		Args:       data,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Encode serializes the envelope for the wire.
func (t *Task) Encode() ([]byte, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task %s: %w", t.Name, err)
	}
	return data, nil
}

// Decode parses a wire envelope.
func Decode(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if t.Name == "" {
		return nil, fmt.Errorf("task missing name")
	}
	return &t, nil
}

func newTaskID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// Fall back to a time-based ID; uniqueness here is for tracing,
		// not correctness.
		return fmt.Sprintf("t-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
