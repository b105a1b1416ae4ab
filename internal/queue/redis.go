// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/skald-media/skald/internal/model"
)

// Key layout:
//
//	q:{class}          LIST of ready job ids
//	q:{class}:inflight LIST of delivered, unacked job ids
//	q:{class}:delayed  ZSET of job ids scored by ready-at unix ms
//	job:{id}           HASH payload + deliveries counter
//	cancel:{id}        flag key with TTL
const (
	cancelTTL  = 24 * time.Hour
	payloadTTL = 7 * 24 * time.Hour
)

// RedisBroker implements Broker on Redis lists. It is safe for use by
// multiple worker processes.
type RedisBroker struct {
	client *redis.Client
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBroker connects and verifies the server is reachable.
func NewRedisBroker(cfg RedisConfig) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis connection failed: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

// NewRedisBrokerFromClient wraps an existing client (tests, shared pools).
func NewRedisBrokerFromClient(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Close() error { return b.client.Close() }

func readyKey(class model.QueueClass) string    { return "q:" + string(class) }
func inflightKey(class model.QueueClass) string { return "q:" + string(class) + ":inflight" }
func delayedKey(class model.QueueClass) string  { return "q:" + string(class) + ":delayed" }
func jobKey(id string) string                   { return "job:" + id }
func cancelKey(id string) string                { return "cancel:" + id }

func (b *RedisBroker) Enqueue(ctx context.Context, job *model.Job) error {
	if err := b.putPayload(ctx, job); err != nil {
		return err
	}
	return b.client.LPush(ctx, readyKey(job.Queue), job.ID).Err()
}

func (b *RedisBroker) EnqueueDelayed(ctx context.Context, job *model.Job, delay time.Duration) error {
	if delay <= 0 {
		return b.Enqueue(ctx, job)
	}
	if err := b.putPayload(ctx, job); err != nil {
		return err
	}
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	return b.client.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: readyAt, Member: job.ID}).Err()
}

func (b *RedisBroker) putPayload(ctx context.Context, job *model.Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.ID, err)
	}
	pipe := b.client.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "payload", data)
	pipe.HSetNX(ctx, jobKey(job.ID), "deliveries", 0)
	pipe.Expire(ctx, jobKey(job.ID), payloadTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Dequeue(ctx context.Context, class model.QueueClass, wait time.Duration) (*model.Job, error) {
	if err := b.promoteDue(ctx, class); err != nil {
		return nil, err
	}

	id, err := b.client.BLMove(ctx, readyKey(class), inflightKey(class), "RIGHT", "LEFT", wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", class, err)
	}

	deliveries, err := b.client.HIncrBy(ctx, jobKey(id), "deliveries", 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: bump deliveries for %s: %w", id, err)
	}
	raw, err := b.client.HGet(ctx, jobKey(id), "payload").Result()
	if err != nil {
		// Payload expired or lost; drop the id rather than spin on it.
		_ = b.client.LRem(ctx, inflightKey(class), 1, id).Err()
		return nil, fmt.Errorf("queue: payload missing for %s: %w", id, err)
	}

	var job model.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		_ = b.client.LRem(ctx, inflightKey(class), 1, id).Err()
		return nil, fmt.Errorf("queue: unmarshal job %s: %w", id, err)
	}
	job.Deliveries = int(deliveries)
	return &job, nil
}

// promoteDue moves delayed jobs whose ready-at has passed onto the
// ready list.
func (b *RedisBroker) promoteDue(ctx context.Context, class model.QueueClass) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	ids, err := b.client.ZRangeByScore(ctx, delayedKey(class), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("queue: scan delayed %s: %w", class, err)
	}
	for _, id := range ids {
		removed, err := b.client.ZRem(ctx, delayedKey(class), id).Result()
		if err != nil {
			return err
		}
		// Another consumer may have promoted it first.
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, readyKey(class), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (b *RedisBroker) Ack(ctx context.Context, class model.QueueClass, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, inflightKey(class), 1, jobID)
	pipe.Del(ctx, jobKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) Nack(ctx context.Context, class model.QueueClass, jobID string) error {
	pipe := b.client.TxPipeline()
	pipe.LRem(ctx, inflightKey(class), 1, jobID)
	pipe.LPush(ctx, readyKey(class), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *RedisBroker) RequestCancel(ctx context.Context, jobID string) error {
	return b.client.Set(ctx, cancelKey(jobID), "1", cancelTTL).Err()
}

func (b *RedisBroker) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	n, err := b.client.Exists(ctx, cancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBroker) Depth(ctx context.Context, class model.QueueClass) (int64, error) {
	return b.client.LLen(ctx, readyKey(class)).Result()
}

var _ Broker = (*RedisBroker)(nil)
