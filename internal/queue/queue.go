// SPDX-License-Identifier: MIT

// Package queue is the broker gateway: durable capability-class queues
// with at-least-once delivery, per-task acknowledgement, delayed
// re-enqueue for retries, and cooperative cancellation flags.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/skald-media/skald/internal/model"
)

// ErrEmpty is returned by Dequeue when no job became available within
// the wait window.
var ErrEmpty = errors.New("queue empty")

// Broker is the queue contract. Delivery is at-least-once: a consumer
// that dies without Ack leaves the job in flight until recovery
// re-enqueues it. Cancellation is cooperative; the broker only flags
// the id and relies on the consumer to check.
type Broker interface {
	// Enqueue makes the job available on its queue immediately.
	Enqueue(ctx context.Context, job *model.Job) error
	// EnqueueDelayed holds the job back until delay elapses (retry backoff).
	EnqueueDelayed(ctx context.Context, job *model.Job, delay time.Duration) error
	// Dequeue blocks up to wait for a job on the class queue. The
	// returned job has Deliveries set (1 on first delivery).
	Dequeue(ctx context.Context, class model.QueueClass, wait time.Duration) (*model.Job, error)
	// Ack removes the job from the in-flight set on terminal outcome.
	Ack(ctx context.Context, class model.QueueClass, jobID string) error
	// Nack returns an in-flight job to its queue for redelivery.
	Nack(ctx context.Context, class model.QueueClass, jobID string) error
	// RequestCancel flags the job id for cooperative cancellation.
	RequestCancel(ctx context.Context, jobID string) error
	// CancelRequested is the broker-side cancellation predicate.
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	// Depth reports ready (not in-flight) jobs on the class queue.
	Depth(ctx context.Context, class model.QueueClass) (int64, error)
}
