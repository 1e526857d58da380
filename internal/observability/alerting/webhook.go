package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WebhookSender posts alert text to an incoming-webhook URL. It serves both
// the DingTalk robot and Slack incoming webhooks.
type WebhookSender struct {
	URL    string
	Client *http.Client
}

// NewWebhookSender 创建 Webhook 发送器。
func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{URL: url, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Send implements DingTalkSender.
func (s *WebhookSender) Send(ctx context.Context, content string) error {
	return s.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackSender adapts the webhook to the SlackSender interface.
func (s *WebhookSender) SlackSender() SlackSender {
	return slackWebhook{s}
}

type slackWebhook struct{ s *WebhookSender }

func (w slackWebhook) Send(ctx context.Context, channel, content string) error {
	return w.s.post(ctx, map[string]any{"channel": channel, "text": content})
}

func (s *WebhookSender) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警渠道返回状态码 %d", resp.StatusCode)
	}
	return nil
}
