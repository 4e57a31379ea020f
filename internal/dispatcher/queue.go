package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/genjob/internal/domain"
)

// ErrQueueClosed is returned by Receive once the underlying consumer is gone
var ErrQueueClosed = errors.New("work queue closed")

// ErrStillQueued is returned by Republish when a Queued job's message is
// still on the queue, or the queue cannot say otherwise.
var ErrStillQueued = errors.New("job is still queued")

// Message is the job reference carried on the work queue
type Message struct {
	JobID      string      `json:"job_id"`
	Kind       domain.Kind `json:"kind"`
	Priority   int         `json:"priority"`
	RetryCount int         `json:"retry_count"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Delivery is one received message. Exactly one of Ack or Nack is called.
type Delivery interface {
	Message() Message
	Ack(ctx context.Context) error
	Nack(ctx context.Context, requeue bool) error
}

// Queue is a durable at-least-once work queue ordered by priority, then
// enqueue time. Duplicate deliveries are expected.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	// Receive blocks until a message is available or ctx is done.
	Receive(ctx context.Context) (Delivery, error)
}

// Tracker is implemented by queues that can tell whether a job still has a
// message waiting or leased.
type Tracker interface {
	Holds(ctx context.Context, jobID string) (bool, error)
}
