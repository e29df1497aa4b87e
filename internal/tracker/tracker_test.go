package tracker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ectracker/internal/config"
	"ectracker/internal/model"
	"ectracker/internal/notify"
	"ectracker/internal/store"
)

type memStore struct {
	products  map[uint]*model.Product
	byURL     map[string]uint
	snapshots map[uint][]*model.PriceSnapshot
	nextID    uint
}

func newMemStore() *memStore {
	return &memStore{
		products:  make(map[uint]*model.Product),
		byURL:     make(map[string]uint),
		snapshots: make(map[uint][]*model.PriceSnapshot),
		nextID:    1,
	}
}

func (s *memStore) CreateProduct(ctx context.Context, p *model.Product) error {
	if _, ok := s.byURL[p.URL]; ok {
		return errors.New("duplicate url")
	}
	p.ID = s.nextID
	s.nextID++
	copied := *p
	s.products[p.ID] = &copied
	s.byURL[p.URL] = p.ID
	return nil
}

func (s *memStore) UpdateProductInfo(ctx context.Context, p *model.Product) error {
	existing, ok := s.products[p.ID]
	if !ok {
		return store.ErrNotFound
	}
	existing.Name = p.Name
	existing.ImageURL = p.ImageURL
	existing.ProductCode = p.ProductCode
	return nil
}

func (s *memStore) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (s *memStore) GetProductByURL(ctx context.Context, url string) (*model.Product, error) {
	id, ok := s.byURL[url]
	if !ok {
		return nil, store.ErrNotFound
	}
	return s.GetProduct(ctx, id)
}

func (s *memStore) ListProducts(ctx context.Context) ([]model.Product, error) {
	var out []model.Product
	for id := uint(1); id < s.nextID; id++ {
		if p, ok := s.products[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *memStore) CountProducts(ctx context.Context) (int64, error) {
	return int64(len(s.products)), nil
}

func (s *memStore) AppendSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	copied := *snap
	s.snapshots[snap.ProductID] = append(s.snapshots[snap.ProductID], &copied)
	return nil
}

func (s *memStore) LatestSnapshot(ctx context.Context, productID uint) (*model.PriceSnapshot, error) {
	snaps := s.snapshots[productID]
	if len(snaps) == 0 {
		return nil, nil
	}
	copied := *snaps[len(snaps)-1]
	return &copied, nil
}

type fakeFetcher struct {
	pages map[string]string
}

func (f *fakeFetcher) Fetch(ctx context.Context, pageURL string, rendered bool) (string, error) {
	html, ok := f.pages[pageURL]
	if !ok {
		return "", fmt.Errorf("fetch %s: status 503", pageURL)
	}
	return html, nil
}

type fakeDispatcher struct {
	messages []notify.Message
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, msg notify.Message) error {
	d.messages = append(d.messages, msg)
	return nil
}

func amazonHTML(name string, price int, inStock bool) string {
	stock := ""
	if inStock {
		stock = `<div id="add-to-cart-button"></div>`
	}
	return fmt.Sprintf(`<html><body>
	  <span id="productTitle">%s</span>
	  <span class="a-price"><span class="a-offscreen">￥%d</span></span>
	  %s
	</body></html>`, name, price, stock)
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		App: config.AppConfig{
			ExportDir: filepath.Join(t.TempDir(), "exports"),
		},
		Fetch: config.FetchConfig{
			RequestInterval: time.Millisecond,
		},
		Notify: config.NotifyConfig{
			PriceThresholdPct: 10,
		},
	}
}

func newTestTracker(t *testing.T, pages map[string]string) (*Tracker, *memStore, *fakeDispatcher) {
	t.Helper()
	st := newMemStore()
	dispatcher := &fakeDispatcher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := New(st, &fakeFetcher{pages: pages}, dispatcher, testConfig(t), logger)
	return tr, st, dispatcher
}

const itemURL = "https://www.amazon.co.jp/dp/B0TEST01"

func TestTracker_AddProduct(t *testing.T) {
	tr, st, dispatcher := newTestTracker(t, map[string]string{
		itemURL: amazonHTML("テスト商品", 10000, true),
	})
	ctx := context.Background()

	id, err := tr.AddProduct(ctx, itemURL)
	if err != nil {
		t.Fatalf("add product: %v", err)
	}

	p, err := st.GetProduct(ctx, id)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if p.Name != "テスト商品" || p.Platform != model.PlatformAmazon {
		t.Fatalf("unexpected product: %+v", p)
	}
	if len(st.snapshots[id]) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(st.snapshots[id]))
	}
	if len(dispatcher.messages) != 0 {
		t.Fatalf("registration must not notify, got %d messages", len(dispatcher.messages))
	}
}

func TestTracker_AddProductIdempotent(t *testing.T) {
	tr, st, dispatcher := newTestTracker(t, map[string]string{
		itemURL: amazonHTML("テスト商品", 10000, true),
	})
	ctx := context.Background()

	id1, err := tr.AddProduct(ctx, itemURL)
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	id2, err := tr.AddProduct(ctx, itemURL)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}

	if id1 != id2 {
		t.Fatalf("expected same product id, got %d and %d", id1, id2)
	}
	if len(st.products) != 1 {
		t.Fatalf("expected 1 product, got %d", len(st.products))
	}
	if len(st.snapshots[id1]) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(st.snapshots[id1]))
	}
	if len(dispatcher.messages) != 0 {
		t.Fatalf("re-registration must not notify")
	}
}

func TestTracker_AddProductParseFailure(t *testing.T) {
	// 商品名のないページは登録失敗として扱う
	tr, st, _ := newTestTracker(t, map[string]string{
		itemURL: `<html><body><span class="a-price"><span class="a-offscreen">￥100</span></span></body></html>`,
	})

	if _, err := tr.AddProduct(context.Background(), itemURL); err == nil {
		t.Fatalf("expected error for page without product name")
	}
	if len(st.products) != 0 {
		t.Fatalf("no product should be created, got %d", len(st.products))
	}
	if len(st.snapshots) != 0 {
		t.Fatalf("no snapshot should be written")
	}
}

func TestTracker_UpdateProductFiresPriceEvent(t *testing.T) {
	pages := map[string]string{
		itemURL: amazonHTML("テスト商品", 10000, true),
	}
	tr, st, dispatcher := newTestTracker(t, pages)
	ctx := context.Background()

	id, err := tr.AddProduct(ctx, itemURL)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// 20% 値下げ
	pages[itemURL] = amazonHTML("テスト商品", 8000, true)
	if err := tr.UpdateProduct(ctx, id); err != nil {
		t.Fatalf("update: %v", err)
	}

	if len(st.snapshots[id]) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(st.snapshots[id]))
	}
	if len(dispatcher.messages) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(dispatcher.messages))
	}
	msg := dispatcher.messages[0]
	if msg.Kind != model.NotificationPriceChange {
		t.Fatalf("kind = %s", msg.Kind)
	}
	if !strings.Contains(msg.Body, "価格下落") {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestTracker_UpdateProductBelowThresholdSilent(t *testing.T) {
	pages := map[string]string{
		itemURL: amazonHTML("テスト商品", 10000, true),
	}
	tr, _, dispatcher := newTestTracker(t, pages)
	ctx := context.Background()

	id, _ := tr.AddProduct(ctx, itemURL)

	// 5% は閾値未満
	pages[itemURL] = amazonHTML("テスト商品", 9500, true)
	if err := tr.UpdateProduct(ctx, id); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(dispatcher.messages) != 0 {
		t.Fatalf("expected no notifications, got %d", len(dispatcher.messages))
	}
}

func TestTracker_UpdateProductSyncsInfo(t *testing.T) {
	pages := map[string]string{
		itemURL: amazonHTML("旧商品名", 1000, true),
	}
	tr, st, _ := newTestTracker(t, pages)
	ctx := context.Background()

	id, _ := tr.AddProduct(ctx, itemURL)

	pages[itemURL] = amazonHTML("新商品名", 1000, true)
	if err := tr.UpdateProduct(ctx, id); err != nil {
		t.Fatalf("update: %v", err)
	}

	p, _ := st.GetProduct(ctx, id)
	if p.Name != "新商品名" {
		t.Fatalf("name not synced: %q", p.Name)
	}
}

func TestTracker_UpdateAllCountsFailures(t *testing.T) {
	okURL := "https://www.amazon.co.jp/dp/B0GOOD"
	ngURL := "https://www.amazon.co.jp/dp/B0BAD"
	pages := map[string]string{
		okURL: amazonHTML("正常商品", 500, true),
		ngURL: amazonHTML("一時商品", 700, true),
	}
	tr, _, _ := newTestTracker(t, pages)
	ctx := context.Background()

	if _, err := tr.AddProduct(ctx, okURL); err != nil {
		t.Fatalf("add ok: %v", err)
	}
	if _, err := tr.AddProduct(ctx, ngURL); err != nil {
		t.Fatalf("add ng: %v", err)
	}

	// 2 件目は以後取得不能にする
	delete(pages, ngURL)

	updated, total, err := tr.UpdateAll(ctx)
	if err != nil {
		t.Fatalf("update all: %v", err)
	}
	if total != 2 || updated != 1 {
		t.Fatalf("updated/total = %d/%d, want 1/2", updated, total)
	}
}

func TestTracker_AddBulk(t *testing.T) {
	okURL := "https://www.amazon.co.jp/dp/B0GOOD"
	pages := map[string]string{
		okURL: amazonHTML("正常商品", 500, true),
	}
	tr, _, _ := newTestTracker(t, pages)

	urls := []string{okURL, "https://www.amazon.co.jp/dp/B0MISSING", "https://example.com/unsupported"}
	if got := tr.AddBulk(context.Background(), urls); got != 1 {
		t.Fatalf("bulk success = %d, want 1", got)
	}
}

func TestTracker_Export(t *testing.T) {
	tr, _, _ := newTestTracker(t, map[string]string{
		itemURL: amazonHTML("エクスポート商品", 2500, true),
	})
	ctx := context.Background()

	if _, err := tr.AddProduct(ctx, itemURL); err != nil {
		t.Fatalf("add: %v", err)
	}

	path, err := tr.Export(ctx)
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	if rows[1][1] != "エクスポート商品" || rows[1][5] != "2500" {
		t.Fatalf("unexpected row: %v", rows[1])
	}
}
