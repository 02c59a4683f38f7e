package events

import (
	"context"
	"fmt"
	"log/slog"

	xerrors "PulseFi-Session/internal/errors"
	"PulseFi-Session/internal/observability/alerting"
	"PulseFi-Session/internal/observability/metrics"
	"PulseFi-Session/pkg/logger"
)

// Sink 持久化审计事件。
type Sink interface {
	Save(ctx context.Context, event Event) error
}

// Recorder 从队列消费事件并写入 Sink。
type Recorder struct {
	consumer    Consumer
	sink        Sink
	workerCount int
	maxAttempts int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// RecorderOption 定义可选配置。
type RecorderOption func(*Recorder)

// WithRecorderLogger 指定日志输出。
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) RecorderOption {
	return func(r *Recorder) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置单条事件的最大写入次数。
func WithMaxAttempts(attempts int) RecorderOption {
	return func(r *Recorder) {
		if attempts > 0 {
			r.maxAttempts = attempts
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) RecorderOption {
	return func(r *Recorder) {
		r.alerter = dispatcher
	}
}

// NewRecorder 构造 Recorder。
func NewRecorder(consumer Consumer, sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		consumer:    consumer,
		sink:        sink,
		workerCount: 1,
		maxAttempts: 3,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("events")
	}
	return r
}

// Start 启动事件消费循环，阻塞直到 ctx 取消或队列关闭。
func (r *Recorder) Start(ctx context.Context) error {
	if r.consumer == nil || r.sink == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件消费者或存储")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.handle)
}

// handle 返回非空错误时由队列负责重投。
func (r *Recorder) handle(ctx context.Context, event Event) error {
	err := r.sink.Save(ctx, event)
	if err == nil {
		metrics.IncEvent(string(event.Kind), "stored")
		r.logger.Debug("审计事件已写入",
			slog.String("event_id", event.ID),
			slog.String("kind", string(event.Kind)),
			slog.String("session_id", event.SessionID))
		return nil
	}

	wrapped := xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入事件 %s 失败", event.ID),
		xerrors.WithMetadata("kind", string(event.Kind)),
		xerrors.WithMetadata("attempt", fmt.Sprint(event.Attempt+1)))
	if xerrors.RetryableError(err) || xerrors.CodeOf(err) == xerrors.CodeUnknown {
		if event.Attempt+1 < r.maxAttempts {
			metrics.IncEvent(string(event.Kind), "retried")
			r.logger.Warn("审计事件写入失败，等待重试",
				slog.String("event_id", event.ID),
				slog.Int("attempt", event.Attempt+1),
				slog.Any("error", err))
			return wrapped
		}
	}

	metrics.IncEvent(string(event.Kind), "dropped")
	logger.Audit().Error("审计事件丢弃",
		slog.String("event_id", event.ID),
		slog.String("kind", string(event.Kind)),
		slog.String("session_id", event.SessionID),
		slog.Any("error", err))
	alerting.Notify(ctx, r.alerter, "events", event.SessionID, wrapped)
	return nil
}
