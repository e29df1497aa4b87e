package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"ectracker/internal/config"
)

const emailSubject = "EC商品追跡ツール通知"

// EmailChannel 实现邮件通知。
type EmailChannel struct {
	cfg    *config.EmailConfig
	logger *slog.Logger
}

// NewEmailChannel 创建邮件通知渠道。
func NewEmailChannel(cfg *config.EmailConfig, logger *slog.Logger) *EmailChannel {
	return &EmailChannel{
		cfg:    cfg,
		logger: logger,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// Send 向默认收件人列表发送通知邮件。
func (c *EmailChannel) Send(ctx context.Context, msg Message) error {
	return c.SendTo(ctx, c.cfg.To, msg)
}

// SendTo 向指定收件人发送通知邮件（再入荷订阅者用）。
func (c *EmailChannel) SendTo(ctx context.Context, to []string, msg Message) error {
	if c.cfg.SMTPHost == "" || c.cfg.SMTPUser == "" || c.cfg.From == "" {
		c.logger.Warn("email config missing, skip notification")
		return nil
	}
	if len(to) == 0 {
		c.logger.Warn("email recipients empty, skip notification")
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", c.cfg.From)
	m.SetHeader("To", to...)
	m.SetHeader("Subject", emailSubject)
	m.SetBody("text/html", c.buildHTMLBody(msg))

	d := gomail.NewDialer(c.cfg.SMTPHost, c.cfg.SMTPPort, c.cfg.SMTPUser, c.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return &DeliveryError{Channel: c.Name(), Err: fmt.Errorf("send email: %w", err)}
	}

	c.logger.Info("email notification sent",
		slog.Int("recipients", len(to)),
		slog.String("kind", msg.Kind))
	return nil
}

func (c *EmailChannel) buildHTMLBody(msg Message) string {
	hero := ""
	if msg.ImageURL != "" {
		hero = fmt.Sprintf(`<div class="hero"><img src="%s" alt="Product Image" /></div>`, msg.ImageURL)
	}

	body := strings.ReplaceAll(msg.Body, "\n", "<br>")

	template := `
<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8" />
<style>
  body { font-family: Arial, sans-serif; background: #f6f7fb; color: #1f2937; }
  .card { max-width: 600px; margin: 24px auto; background: #ffffff; border-radius: 12px; overflow: hidden; border: 1px solid #e5e7eb; }
  .header { background: #0f172a; color: #ffffff; padding: 16px 20px; font-size: 16px; font-weight: bold; }
  .content { padding: 20px; }
  .hero img { width: 100%%; max-width: 520px; display: block; margin: 0 auto 16px; border-radius: 8px; }
  .body { font-size: 15px; line-height: 1.7; margin-bottom: 16px; }
  .cta { display: inline-block; padding: 12px 20px; background: #22c55e; color: #fff; text-decoration: none; border-radius: 8px; font-weight: bold; }
  .footer { margin-top: 20px; font-size: 12px; color: #6b7280; }
</style>
</head>
<body>
  <div class="card">
    <div class="header">%s</div>
    <div class="content">
      %s
      <div class="body">%s</div>
      <div style="text-align:center; margin-bottom: 12px;">
        <a class="cta" href="%s" target="_blank">商品ページを見る</a>
      </div>
      <div class="footer">%s</div>
    </div>
  </div>
</body>
</html>`

	return fmt.Sprintf(template, emailSubject, hero, body, msg.ProductURL, msg.ProductName)
}
