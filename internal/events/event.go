// Package events carries the audit trail of sessions and agents: lifecycle
// transitions, recorded actions and decisions, and trade outcomes are
// published to a queue and persisted by a Recorder worker pool.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"PulseFi-Session/pkg/logger"
)

// Kind 标识事件类型。
type Kind string

const (
	KindSessionStarted   Kind = "session.started"
	KindSessionSettled   Kind = "session.settled"
	KindActionRecorded   Kind = "action.recorded"
	KindDecisionRecorded Kind = "decision.recorded"
	KindTradeExecuted    Kind = "trade.executed"
	KindTradeFailed      Kind = "trade.failed"
	KindAgentStarted     Kind = "agent.started"
	KindAgentStopped     Kind = "agent.stopped"
)

// Event 是一条审计事件。
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	SessionID  string            `json:"session_id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
}

// New 构造带随机 ID 的事件。
func New(kind Kind, sessionID string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
		Attributes: attrs,
	}
}

// Encode 序列化事件。
func Encode(e Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return raw, nil
}

// Decode 反序列化事件。
func Decode(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return e, nil
}

// Handler 处理来自消息队列的事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责向队列投递事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Producer 是可关闭的 Publisher。
type Producer interface {
	Publisher
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Emit 发布事件，失败只记录日志。审计事件不影响业务流程。
func Emit(ctx context.Context, pub Publisher, kind Kind, sessionID string, attrs map[string]string) {
	if pub == nil {
		return
	}
	if err := pub.Publish(ctx, New(kind, sessionID, attrs)); err != nil {
		logger.L().Warn("发布审计事件失败",
			slog.String("kind", string(kind)),
			slog.String("session_id", sessionID),
			slog.Any("error", err))
	}
}
