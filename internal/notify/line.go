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
	"ectracker/internal/model"
)

// LineChannel 通过 LINE Messaging API 推送 flex 消息通知。
type LineChannel struct {
	cfg    *config.LineConfig
	client *http.Client
	logger *slog.Logger
}

// NewLineChannel 创建 LINE 通知渠道。
func NewLineChannel(cfg *config.LineConfig, logger *slog.Logger) *LineChannel {
	return &LineChannel{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

func (c *LineChannel) Name() string { return "line" }

func (c *LineChannel) Send(ctx context.Context, msg Message) error {
	if c.cfg.ChannelAccessToken == "" || c.cfg.UserID == "" {
		c.logger.Warn("line config missing, skip notification")
		return nil
	}

	payload := map[string]interface{}{
		"to":       c.cfg.UserID,
		"messages": []interface{}{c.buildFlexMessage(msg)},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return &DeliveryError{Channel: c.Name(), Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(data))
	if err != nil {
		return &DeliveryError{Channel: c.Name(), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChannelAccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: c.Name(), Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return &DeliveryError{Channel: c.Name(), Err: fmt.Errorf("push api status %d", resp.StatusCode)}
	}

	c.logger.Info("line notification sent", slog.String("kind", msg.Kind))
	return nil
}

// buildFlexMessage 生成 bubble 布局的 flex 消息。
func (c *LineChannel) buildFlexMessage(msg Message) map[string]interface{} {
	title := "EC商品追跡ツール通知"
	headerColor := "#0f172a"
	switch msg.Kind {
	case model.NotificationPriceChange:
		title = "価格変動通知"
		headerColor = "#00B900"
	case model.NotificationStockChange:
		title = "在庫状況通知"
		headerColor = "#FF9500"
	case model.NotificationRestock:
		title = "再入荷通知"
		headerColor = "#00B900"
	}

	return map[string]interface{}{
		"type":    "flex",
		"altText": fmt.Sprintf("%s: %s", title, msg.ProductName),
		"contents": map[string]interface{}{
			"type": "bubble",
			"header": map[string]interface{}{
				"type":   "box",
				"layout": "vertical",
				"contents": []interface{}{
					map[string]interface{}{
						"type":   "text",
						"text":   title,
						"weight": "bold",
						"size":   "xl",
						"color":  "#ffffff",
					},
				},
				"backgroundColor": headerColor,
			},
			"body": map[string]interface{}{
				"type":   "box",
				"layout": "vertical",
				"contents": []interface{}{
					map[string]interface{}{
						"type":   "text",
						"text":   msg.ProductName,
						"weight": "bold",
						"size":   "md",
						"wrap":   true,
					},
					map[string]interface{}{
						"type":   "text",
						"text":   msg.Body,
						"size":   "sm",
						"wrap":   true,
						"margin": "md",
					},
				},
			},
			"footer": map[string]interface{}{
				"type":   "box",
				"layout": "vertical",
				"contents": []interface{}{
					map[string]interface{}{
						"type": "button",
						"action": map[string]interface{}{
							"type":  "uri",
							"label": "商品ページを開く",
							"uri":   msg.ProductURL,
						},
						"style": "primary",
					},
				},
			},
		},
	}
}
