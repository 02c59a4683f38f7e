package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"PulseFi-Session/pkg/logger"
)

// WebhookNotifier posts alerts as JSON to an HTTP endpoint, e.g. a Slack or
// DingTalk incoming webhook relay.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// NewWebhookNotifier creates a notifier for url. An empty url yields a
// notifier that only logs a warning.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(200 * time.Millisecond)
	return &WebhookNotifier{client: client, url: strings.TrimSpace(url)}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送 webhook 请求。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.url == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("session_id", event.SessionID))
		return nil
	}
	payload := map[string]any{
		"text":  fmt.Sprintf("[%s] %s - %s", event.Severity, event.Code, event.Message),
		"event": event,
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("发送 webhook 失败: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("webhook 返回状态 %d", resp.StatusCode())
	}
	return nil
}
