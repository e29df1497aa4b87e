package stockalert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"ectracker/internal/model"
	"ectracker/internal/notify"
	"ectracker/internal/subscription"
)

// Store 监视器需要的数据访问。
type Store interface {
	ListProducts(ctx context.Context) ([]model.Product, error)
	RecentSnapshots(ctx context.Context, productID uint, limit int) ([]model.PriceSnapshot, error)
	AddNotification(ctx context.Context, rec *model.NotificationRecord) error
}

// Mailer 再入荷邮件投递。
type Mailer interface {
	SendTo(ctx context.Context, to []string, msg notify.Message) error
}

// Monitor 再入荷监视器。
//
// 定期比较每个有订阅者的商品最近两次快照，发现无货转有货时
// 向订阅者群发再入荷通知，并写入一条汇总审计记录。
type Monitor struct {
	store    Store
	registry *subscription.Registry
	mailer   Mailer
	logger   *slog.Logger
}

// New 创建再入荷监视器。
func New(store Store, registry *subscription.Registry, mailer Mailer, logger *slog.Logger) *Monitor {
	return &Monitor{
		store:    store,
		registry: registry,
		mailer:   mailer,
		logger:   logger,
	}
}

// Check 执行一轮再入荷检查。作为 hourly 任务注册到调度器。
func (m *Monitor) Check(ctx context.Context) error {
	m.logger.Info("checking stock changes")

	entries, err := m.registry.All(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	products, err := m.store.ListProducts(ctx)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	byID := make(map[uint]*model.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}

	for _, entry := range entries {
		product, ok := byID[entry.ProductID]
		if !ok {
			continue
		}

		restocked, err := m.restocked(ctx, product.ID)
		if err != nil {
			m.logger.Warn("skip product on history error",
				slog.Uint64("product_id", uint64(product.ID)),
				slog.String("error", err.Error()))
			continue
		}
		if !restocked {
			continue
		}

		m.sendRestockAlerts(ctx, product, entry)
	}
	return nil
}

// restocked 判定最近两次快照是否从无货转为有货。
func (m *Monitor) restocked(ctx context.Context, productID uint) (bool, error) {
	snaps, err := m.store.RecentSnapshots(ctx, productID, 2)
	if err != nil {
		return false, err
	}
	if len(snaps) < 2 {
		return false, nil
	}
	// snaps[0] が最新
	return snaps[0].InStock && !snaps[1].InStock, nil
}

// sendRestockAlerts 向订阅者投递再入荷通知并落一条汇总记录。
func (m *Monitor) sendRestockAlerts(ctx context.Context, product *model.Product, entry subscription.Entry) {
	body := fmt.Sprintf("商品が再入荷しました！\n%s\n%s\n※在庫状況は変動する場合があります。お早めにご確認ください。",
		product.Name, product.URL)

	msg := notify.Message{
		ProductID:   product.ID,
		ProductName: product.Name,
		ProductURL:  product.URL,
		Kind:        model.NotificationRestock,
		Body:        body,
	}

	for _, email := range entry.Emails {
		if err := m.mailer.SendTo(ctx, []string{email}, msg); err != nil {
			m.logger.Error("restock email failed",
				slog.String("to", email),
				slog.String("error", err.Error()))
			continue
		}
		m.logger.Info("restock email sent", slog.String("to", email))
	}

	// SMS 投递是日志桩，接入外部网关前只记录
	for _, phone := range entry.Phones {
		m.logger.Info("SMS message would be sent",
			slog.String("to", phone),
			slog.String("message", fmt.Sprintf("【再入荷通知】%sの在庫が確認されました。%s", product.Name, product.URL)))
	}

	rec := &model.NotificationRecord{
		ProductID: product.ID,
		Kind:      model.NotificationRestock,
		Message: fmt.Sprintf("再入荷通知: %d件のメールと%d件のSMSを送信",
			len(entry.Emails), len(entry.Phones)),
		SentAt: time.Now(),
	}
	if err := m.store.AddNotification(ctx, rec); err != nil {
		m.logger.Error("restock audit record failed",
			slog.Uint64("product_id", uint64(product.ID)),
			slog.String("error", err.Error()))
	}
}
