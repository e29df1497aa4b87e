package notify

import (
	"context"
	"log/slog"

	"ectracker/internal/model"
	"ectracker/internal/pkg/metrics"
)

// Auditor 通知审计落库接口。
type Auditor interface {
	AddNotification(ctx context.Context, rec *model.NotificationRecord) error
}

// Suppressor 判断同样内容的通知是否已在抑制窗口内投递过。
type Suppressor interface {
	Seen(ctx context.Context, productID uint, kind, body string) (bool, error)
}

// Dispatcher 把通知先写入审计记录，再交给各渠道投递。
//
// 落库失败时整体失败且不投递；单个渠道投递失败只记录日志，
// 不影响其他渠道，也不回滚审计记录。
type Dispatcher struct {
	auditor    Auditor
	channels   []Channel
	suppressor Suppressor
	logger     *slog.Logger
}

// NewDispatcher 创建通知分发器。channels 只传入已启用的渠道，
// suppressor 可为 nil（不做重复抑制）。
func NewDispatcher(auditor Auditor, channels []Channel, suppressor Suppressor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		auditor:    auditor,
		channels:   channels,
		suppressor: suppressor,
		logger:     logger,
	}
}

// Dispatch 分发一条通知。返回错误仅代表审计落库失败。
//
// 审计记录无条件写入，重复抑制只作用于渠道投递。
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) error {
	rec := &model.NotificationRecord{
		ProductID: msg.ProductID,
		Kind:      msg.Kind,
		Message:   msg.Body,
	}
	if err := d.auditor.AddNotification(ctx, rec); err != nil {
		return err
	}

	if d.suppressor != nil {
		seen, err := d.suppressor.Seen(ctx, msg.ProductID, msg.Kind, msg.Body)
		if err != nil {
			// 去重失败时宁可重复投递也不丢通知。
			d.logger.Warn("notification dedup check failed",
				slog.Uint64("product_id", uint64(msg.ProductID)),
				slog.String("error", err.Error()))
		} else if seen {
			d.logger.Debug("duplicate delivery suppressed",
				slog.Uint64("product_id", uint64(msg.ProductID)),
				slog.String("kind", msg.Kind))
			return nil
		}
	}

	for _, ch := range d.channels {
		if err := ch.Send(ctx, msg); err != nil {
			metrics.NotificationTotal.WithLabelValues(ch.Name(), "failure").Inc()
			d.logger.Error("notification delivery failed",
				slog.String("channel", ch.Name()),
				slog.String("kind", msg.Kind),
				slog.Uint64("product_id", uint64(msg.ProductID)),
				slog.String("error", err.Error()))
			continue
		}
		metrics.NotificationTotal.WithLabelValues(ch.Name(), "success").Inc()
	}

	return nil
}
