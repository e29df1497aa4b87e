package stockalert

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"ectracker/internal/model"
	"ectracker/internal/notify"
	"ectracker/internal/subscription"
)

type fakeStore struct {
	products      []model.Product
	snapshots     map[uint][]model.PriceSnapshot
	notifications []*model.NotificationRecord
	subs          map[uint]*model.Subscription
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		snapshots: make(map[uint][]model.PriceSnapshot),
		subs:      make(map[uint]*model.Subscription),
	}
}

func (s *fakeStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.products, nil
}

func (s *fakeStore) RecentSnapshots(ctx context.Context, productID uint, limit int) ([]model.PriceSnapshot, error) {
	snaps := s.snapshots[productID]
	if len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

func (s *fakeStore) AddNotification(ctx context.Context, rec *model.NotificationRecord) error {
	s.notifications = append(s.notifications, rec)
	return nil
}

func (s *fakeStore) GetSubscription(ctx context.Context, productID uint) (*model.Subscription, error) {
	if row, ok := s.subs[productID]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, nil
}

func (s *fakeStore) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var out []model.Subscription
	for _, row := range s.subs {
		out = append(out, *row)
	}
	return out, nil
}

func (s *fakeStore) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	copied := *sub
	s.subs[sub.ProductID] = &copied
	return nil
}

func (s *fakeStore) DeleteSubscription(ctx context.Context, productID uint) error {
	delete(s.subs, productID)
	return nil
}

type fakeMailer struct {
	sent []string // 宛先を記録
	fail bool
}

func (m *fakeMailer) SendTo(ctx context.Context, to []string, msg notify.Message) error {
	if m.fail {
		return errors.New("smtp down")
	}
	m.sent = append(m.sent, to...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMonitor は在庫状態の履歴 (新しい順) を持つ商品 1 件と購読者を組み立てる。
func newMonitor(t *testing.T, store *fakeStore, mailer Mailer) *Monitor {
	t.Helper()
	registry := subscription.NewRegistry(store, testLogger())
	return New(store, registry, mailer, testLogger())
}

func seedProduct(store *fakeStore, id uint, stockHistory ...bool) {
	store.products = append(store.products, model.Product{
		ID:   id,
		Name: "テスト商品",
		URL:  "https://example.jp/item",
	})
	for _, inStock := range stockHistory {
		store.snapshots[id] = append(store.snapshots[id], model.PriceSnapshot{
			ProductID: id,
			InStock:   inStock,
		})
	}
}

func TestMonitor_RestockFiresAlerts(t *testing.T) {
	store := newFakeStore()
	seedProduct(store, 1, true, false) // 最新: 在庫あり, 直前: 在庫なし
	mailer := &fakeMailer{}
	m := newMonitor(t, store, mailer)
	ctx := context.Background()

	m.registry.Subscribe(ctx, 1, "a@example.jp", "")
	m.registry.Subscribe(ctx, 1, "b@example.jp", "090-1234-5678")

	if err := m.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}

	if len(mailer.sent) != 2 {
		t.Fatalf("expected 2 restock emails, got %v", mailer.sent)
	}

	// 集計レコードは 1 件だけ
	if len(store.notifications) != 1 {
		t.Fatalf("expected 1 summary record, got %d", len(store.notifications))
	}
	rec := store.notifications[0]
	if rec.Kind != model.NotificationRestock {
		t.Errorf("kind = %s", rec.Kind)
	}
	if rec.Message != "再入荷通知: 2件のメールと1件のSMSを送信" {
		t.Errorf("message = %q", rec.Message)
	}
}

func TestMonitor_NoAlertWithoutRestock(t *testing.T) {
	cases := []struct {
		name    string
		history []bool
	}{
		{"stays in stock", []bool{true, true}},
		{"goes out of stock", []bool{false, true}},
		{"stays out of stock", []bool{false, false}},
		{"single snapshot", []bool{true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			seedProduct(store, 1, tc.history...)
			mailer := &fakeMailer{}
			m := newMonitor(t, store, mailer)
			ctx := context.Background()
			m.registry.Subscribe(ctx, 1, "a@example.jp", "")

			if err := m.Check(ctx); err != nil {
				t.Fatalf("check: %v", err)
			}
			if len(mailer.sent) != 0 {
				t.Fatalf("unexpected emails: %v", mailer.sent)
			}
			if len(store.notifications) != 0 {
				t.Fatalf("unexpected notifications: %d", len(store.notifications))
			}
		})
	}
}

func TestMonitor_SkipsProductsWithoutSubscribers(t *testing.T) {
	store := newFakeStore()
	seedProduct(store, 1, true, false)
	seedProduct(store, 2, true, false)
	mailer := &fakeMailer{}
	m := newMonitor(t, store, mailer)
	ctx := context.Background()

	m.registry.Subscribe(ctx, 2, "only@example.jp", "")

	if err := m.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(store.notifications) != 1 || store.notifications[0].ProductID != 2 {
		t.Fatalf("expected alert only for product 2, got %+v", store.notifications)
	}
}

func TestMonitor_MailFailureStillWritesSummary(t *testing.T) {
	store := newFakeStore()
	seedProduct(store, 1, true, false)
	mailer := &fakeMailer{fail: true}
	m := newMonitor(t, store, mailer)
	ctx := context.Background()
	m.registry.Subscribe(ctx, 1, "a@example.jp", "")

	if err := m.Check(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(store.notifications) != 1 {
		t.Fatalf("summary record must be written even when email fails, got %d", len(store.notifications))
	}
	if !strings.Contains(store.notifications[0].Message, "1件のメール") {
		t.Fatalf("message = %q", store.notifications[0].Message)
	}
}
