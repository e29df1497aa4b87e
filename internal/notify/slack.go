package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"ectracker/internal/config"
)

// SlackChannel 通过 Incoming Webhook 推送通知。
type SlackChannel struct {
	cfg    *config.SlackConfig
	client *http.Client
	logger *slog.Logger
}

// NewSlackChannel 创建 Slack 通知渠道。
func NewSlackChannel(cfg *config.SlackConfig, logger *slog.Logger) *SlackChannel {
	return &SlackChannel{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, msg Message) error {
	if c.cfg.WebhookURL == "" {
		c.logger.Warn("slack webhook url missing, skip notification")
		return nil
	}

	payload := map[string]string{
		"text": fmt.Sprintf("*EC商品追跡ツール通知*\n```%s```", msg.Body),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Channel: c.Name(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return &DeliveryError{Channel: c.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: c.Name(), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &DeliveryError{Channel: c.Name(), Err: fmt.Errorf("webhook status %d", resp.StatusCode)}
	}

	c.logger.Info("slack notification sent", slog.String("kind", msg.Kind))
	return nil
}
