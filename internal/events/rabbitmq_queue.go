package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig 描述 RabbitMQ 队列。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 通过默认交换机直接投递到具名队列。
type RabbitMQQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	name  string
	pubMu sync.Mutex
}

// NewRabbitMQQueue 建立连接、设置预取数量并声明队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (_ *RabbitMQQueue, err error) {
	if cfg.URL == "" {
		return nil, errors.New("events: rabbitmq url is required")
	}
	q := &RabbitMQQueue{name: cfg.Queue}
	if q.name == "" {
		q.name = "pulsefi.events"
	}
	if q.conn, err = amqp.Dial(cfg.URL); err != nil {
		return nil, fmt.Errorf("events: dial rabbitmq: %w", err)
	}
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()
	if q.ch, err = q.conn.Channel(); err != nil {
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err = q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("events: set qos: %w", err)
		}
	}
	if _, err = q.ch.QueueDeclare(q.name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		return nil, fmt.Errorf("events: declare queue %s: %w", q.name, err)
	}
	return q, nil
}

// Publish 发送持久化消息。同一个 channel 上的发布必须串行。
func (q *RabbitMQQueue) Publish(ctx context.Context, event Event) error {
	if q == nil || q.ch == nil {
		return ErrQueueClosed
	}
	body, err := Encode(event)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Kind),
		Body:         body,
	}
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.name, false, false, msg)
}

// Consume 使用手动确认。无法解析的消息直接丢弃，处理失败的消息只重新入队一次。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return ErrQueueClosed
	}
	deliveries, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("events: consume %s: %w", q.name, err)
	}
	return runWorkers(ctx, workerCount, func(ctx context.Context) error {
		for {
			var d amqp.Delivery
			var ok bool
			select {
			case <-ctx.Done():
				return nil
			case d, ok = <-deliveries:
				if !ok {
					return nil
				}
			}
			q.deliver(ctx, d, handler)
		}
	})
}

func (q *RabbitMQQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	event, err := Decode(d.Body)
	if err != nil {
		_ = d.Nack(false, false)
		return
	}
	if d.Redelivered {
		event.Attempt++
	}
	if handler(ctx, event) != nil {
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

// Close 依次关闭 channel 与连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
