// Package redis implements a task queue on a Redis list so workers in
// several processes can share one crawl.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Config names the list and bounds each blocking pop.
type Config struct {
	Key         string
	PollTimeout time.Duration
}

// Queue pushes JSON tasks with LPUSH and pops them with BRPOP.
type Queue struct {
	client      *redis.Client
	key         string
	pollTimeout time.Duration
}

// New wraps an existing client.
func New(client *redis.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	key := cfg.Key
	if key == "" {
		key = "catalog:queue"
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Queue{client: client, key: key, pollTimeout: timeout}, nil
}

// Enqueue pushes a task onto the list.
func (q *Queue) Enqueue(ctx context.Context, task crawler.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("lpush task: %w", err)
	}
	return nil
}

// Dequeue blocks until a task arrives or the context ends. Each BRPOP is
// bounded so cancellation is noticed within one poll timeout.
func (q *Queue) Dequeue(ctx context.Context) (crawler.Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		res, err := q.client.BRPop(ctx, q.pollTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return crawler.Task{}, fmt.Errorf("dequeue canceled: %w", ctxErr)
			}
			return crawler.Task{}, fmt.Errorf("brpop task: %w", err)
		}
		if len(res) != 2 {
			return crawler.Task{}, fmt.Errorf("brpop task: unexpected reply %v", res)
		}
		var task crawler.Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return crawler.Task{}, fmt.Errorf("unmarshal task: %w", err)
		}
		return task, nil
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("llen queue: %w", err)
	}
	return n, nil
}
