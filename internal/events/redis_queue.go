package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueueConfig 描述 Redis list 队列。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 以 LPUSH/BRPOP 在 Redis list 上实现先进先出队列，适合多实例共享审计流。
type RedisQueue struct {
	client *redis.Client
	key    string
	block  time.Duration
}

// NewRedisQueue 连接 Redis 并确认可用。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("events: redis address is required")
	}
	q := &RedisQueue{key: cfg.Queue, block: cfg.BlockWait}
	if q.key == "" {
		q.key = "pulsefi:events"
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	q.client = redis.NewClient(&redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB})
	if err := q.client.Ping(ctx).Err(); err != nil {
		_ = q.client.Close()
		return nil, fmt.Errorf("events: ping redis %s: %w", cfg.Address, err)
	}
	return q, nil
}

func (q *RedisQueue) push(ctx context.Context, event Event, tail bool) error {
	raw, err := Encode(event)
	if err != nil {
		return err
	}
	cmd := q.client.LPush
	if tail {
		cmd = q.client.RPush
	}
	return cmd(ctx, q.key, raw).Err()
}

// Publish 把事件放到队首，消费者从队尾取出。
func (q *RedisQueue) Publish(ctx context.Context, event Event) error {
	if err := q.push(ctx, event, false); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}

// Consume 阻塞直到 ctx 结束或连接关闭。处理失败的事件以 Attempt+1 放回队尾，下一次即被取出。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for ctx.Err() == nil {
			values, err := q.client.BRPop(ctx, q.block, q.key).Result()
			switch {
			case errors.Is(err, redis.Nil):
				continue
			case ctx.Err() != nil, errors.Is(err, redis.ErrClosed):
				return nil
			case err != nil:
				return fmt.Errorf("events: redis brpop: %w", err)
			case len(values) != 2:
				continue
			}

			event, err := Decode([]byte(values[1]))
			if err != nil {
				continue
			}
			if handler(ctx, event) != nil {
				event.Attempt++
				_ = q.push(ctx, event, true)
			}
		}
		return nil
	})
}

// Close 关闭 Redis 客户端。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
