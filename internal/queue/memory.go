// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/skald-media/skald/internal/model"
)

// MemoryBroker is an in-process Broker used for unit tests and local
// prototyping. It is not durable.
type MemoryBroker struct {
	mu         sync.Mutex
	ready      map[model.QueueClass][]string
	inflight   map[model.QueueClass]map[string]bool
	delayed    map[model.QueueClass]map[string]time.Time
	payloads   map[string]*model.Job
	deliveries map[string]int
	cancelled  map[string]bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		ready:      make(map[model.QueueClass][]string),
		inflight:   make(map[model.QueueClass]map[string]bool),
		delayed:    make(map[model.QueueClass]map[string]time.Time),
		payloads:   make(map[string]*model.Job),
		deliveries: make(map[string]int),
		cancelled:  make(map[string]bool),
	}
}

func (b *MemoryBroker) Enqueue(ctx context.Context, job *model.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	clone := *job
	b.payloads[job.ID] = &clone
	b.ready[job.Queue] = append(b.ready[job.Queue], job.ID)
	return nil
}

func (b *MemoryBroker) EnqueueDelayed(ctx context.Context, job *model.Job, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, job)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	clone := *job
	b.payloads[job.ID] = &clone
	if b.delayed[job.Queue] == nil {
		b.delayed[job.Queue] = make(map[string]time.Time)
	}
	b.delayed[job.Queue][job.ID] = time.Now().Add(delay)
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, class model.QueueClass, wait time.Duration) (*model.Job, error) {
	deadline := time.Now().Add(wait)
	for {
		if job := b.tryDequeue(class); job != nil {
			return job, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) tryDequeue(class model.QueueClass) *model.Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for id, readyAt := range b.delayed[class] {
		if !readyAt.After(now) {
			b.ready[class] = append(b.ready[class], id)
			delete(b.delayed[class], id)
		}
	}

	lst := b.ready[class]
	if len(lst) == 0 {
		return nil
	}
	id := lst[0]
	b.ready[class] = lst[1:]
	if b.inflight[class] == nil {
		b.inflight[class] = make(map[string]bool)
	}
	b.inflight[class][id] = true
	b.deliveries[id]++

	job := *b.payloads[id]
	job.Deliveries = b.deliveries[id]
	return &job
}

func (b *MemoryBroker) Ack(ctx context.Context, class model.QueueClass, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight[class], jobID)
	delete(b.payloads, jobID)
	return nil
}

func (b *MemoryBroker) Nack(ctx context.Context, class model.QueueClass, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight[class][jobID] {
		delete(b.inflight[class], jobID)
		b.ready[class] = append(b.ready[class], jobID)
	}
	return nil
}

func (b *MemoryBroker) RequestCancel(ctx context.Context, jobID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled[jobID] = true
	return nil
}

func (b *MemoryBroker) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[jobID], nil
}

func (b *MemoryBroker) Depth(ctx context.Context, class model.QueueClass) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.ready[class])), nil
}

var _ Broker = (*MemoryBroker)(nil)
