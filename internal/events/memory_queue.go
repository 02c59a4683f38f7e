package events

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed 表示队列已关闭，不再接受事件。
var ErrQueueClosed = errors.New("events: queue closed")

// MemoryQueue 是基于带缓冲 channel 的进程内队列，处理失败的事件会带着递增的 Attempt 重新入队。
type MemoryQueue struct {
	mu     sync.RWMutex
	closed bool
	buf    chan Event
}

// NewMemoryQueue 创建容量为 size 的内存队列，size 非正时取 256。
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 256
	}
	return &MemoryQueue{buf: make(chan Event, size)}
}

// Publish 在缓冲区满时阻塞，直到 ctx 结束。
func (q *MemoryQueue) Publish(ctx context.Context, event Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.buf <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume 阻塞直到 ctx 结束或队列关闭且缓冲区耗尽。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-q.buf:
				if !ok {
					return nil
				}
				if err := handler(ctx, event); err != nil {
					q.redeliver(event)
				}
			}
		}
	})
}

// redeliver 不阻塞：缓冲区已满或队列已关闭时事件被丢弃。
func (q *MemoryQueue) redeliver(event Event) {
	event.Attempt++
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return
	}
	select {
	case q.buf <- event:
	default:
	}
}

// Close 停止接收新事件，已缓冲的事件仍会被消费。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.buf)
	}
	return nil
}
