package tracker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"ectracker/internal/config"
	"ectracker/internal/detect"
	"ectracker/internal/model"
	"ectracker/internal/notify"
	"ectracker/internal/pkg/metrics"
	"ectracker/internal/scraper"
	"ectracker/internal/store"
)

// Store 追踪器需要的持久化操作。
type Store interface {
	CreateProduct(ctx context.Context, p *model.Product) error
	UpdateProductInfo(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id uint) (*model.Product, error)
	GetProductByURL(ctx context.Context, url string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	CountProducts(ctx context.Context) (int64, error)
	AppendSnapshot(ctx context.Context, snap *model.PriceSnapshot) error
	LatestSnapshot(ctx context.Context, productID uint) (*model.PriceSnapshot, error)
}

// Fetcher 页面抓取接口。
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string, rendered bool) (string, error)
}

// Dispatcher 通知分发接口。
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notify.Message) error
}

// Tracker 商品追踪的核心流程编排。
//
// 注册、更新、批量更新、导出都经过这里。抓取统一走 Fetcher，
// 变化检测是纯函数，通知交给 Dispatcher。
type Tracker struct {
	store      Store
	fetcher    Fetcher
	dispatcher Dispatcher
	cfg        *config.Config
	logger     *slog.Logger
}

// New 创建追踪器。
func New(st Store, fetcher Fetcher, dispatcher Dispatcher, cfg *config.Config, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:      st,
		fetcher:    fetcher,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
	}
}

// observe 抓取并解析一个商品页。
func (t *Tracker) observe(ctx context.Context, pageURL string) (*scraper.Result, error) {
	adapter, err := scraper.ForURL(pageURL)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	html, err := t.fetcher.Fetch(ctx, pageURL, adapter.Rendered())
	metrics.FetchDuration.WithLabelValues(adapter.Platform()).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FetchTotal.WithLabelValues(adapter.Platform(), "failure").Inc()
		return nil, err
	}

	result, err := adapter.Parse(pageURL, html)
	if err != nil {
		metrics.FetchTotal.WithLabelValues(adapter.Platform(), "parse_failure").Inc()
		return nil, err
	}
	metrics.FetchTotal.WithLabelValues(adapter.Platform(), "success").Inc()

	// 購入ボタンはあるのに価格が取れないページは要調査
	if result.InStock && result.RegularPrice == nil && result.SalePrice == nil {
		t.logger.Debug("in-stock page without a parsable price",
			slog.String("url", pageURL),
			slog.String("platform", adapter.Platform()))
	}
	return result, nil
}

// AddProduct 注册商品并保存首次观测。
//
// URL 已注册时复用既有商品，只追加一条快照（幂等）。
// 返回商品 ID。
func (t *Tracker) AddProduct(ctx context.Context, pageURL string) (uint, error) {
	result, err := t.observe(ctx, pageURL)
	if err != nil {
		return 0, fmt.Errorf("add product %s: %w", pageURL, err)
	}

	product, err := t.store.GetProductByURL(ctx, pageURL)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	if product == nil {
		product = &model.Product{
			Name:        result.Name,
			URL:         pageURL,
			ImageURL:    result.ImageURL,
			ProductCode: result.ProductCode,
			Platform:    result.Platform,
		}
		if err := t.store.CreateProduct(ctx, product); err != nil {
			return 0, err
		}
		t.logger.Info("added new product",
			slog.String("name", result.Name),
			slog.Uint64("product_id", uint64(product.ID)))
	} else {
		t.syncProductInfo(ctx, product, result)
		t.logger.Info("product already registered, appending observation",
			slog.Uint64("product_id", uint64(product.ID)))
	}

	snap := snapshotFrom(product.ID, result)
	if err := t.store.AppendSnapshot(ctx, snap); err != nil {
		return 0, err
	}

	return product.ID, nil
}

// UpdateProduct 更新单个商品：追加快照并在变化时发送通知。
func (t *Tracker) UpdateProduct(ctx context.Context, productID uint) error {
	product, err := t.store.GetProduct(ctx, productID)
	if err != nil {
		return err
	}

	prev, err := t.store.LatestSnapshot(ctx, productID)
	if err != nil {
		return err
	}

	result, err := t.observe(ctx, product.URL)
	if err != nil {
		return fmt.Errorf("update product %d: %w", productID, err)
	}

	t.syncProductInfo(ctx, product, result)

	curr := snapshotFrom(productID, result)
	if err := t.store.AppendSnapshot(ctx, curr); err != nil {
		return err
	}

	events := detect.Detect(prev, curr, t.cfg.Notify.PriceThresholdPct)
	for _, e := range events {
		metrics.ChangeEventTotal.WithLabelValues(e.Kind).Inc()
		msg := notify.Message{
			ProductID:   productID,
			ProductName: product.Name,
			ProductURL:  product.URL,
			ImageURL:    derefStr(product.ImageURL),
			Kind:        e.Kind,
			Body:        e.Message(product.Name, product.URL),
		}
		if err := t.dispatcher.Dispatch(ctx, msg); err != nil {
			t.logger.Error("notification dispatch failed",
				slog.Uint64("product_id", uint64(productID)),
				slog.String("kind", e.Kind),
				slog.String("error", err.Error()))
		}
	}

	t.logger.Info("updated product",
		slog.Uint64("product_id", uint64(productID)),
		slog.String("name", product.Name),
		slog.Int("events", len(events)))
	return nil
}

// syncProductInfo 把观测到的描述性字段同步回商品记录。
func (t *Tracker) syncProductInfo(ctx context.Context, product *model.Product, result *scraper.Result) {
	changed := false
	if result.Name != "" && result.Name != product.Name {
		product.Name = result.Name
		changed = true
	}
	if result.ImageURL != nil && !strPtrEq(result.ImageURL, product.ImageURL) {
		product.ImageURL = result.ImageURL
		changed = true
	}
	if result.ProductCode != nil && !strPtrEq(result.ProductCode, product.ProductCode) {
		product.ProductCode = result.ProductCode
		changed = true
	}
	if !changed {
		return
	}
	if err := t.store.UpdateProductInfo(ctx, product); err != nil {
		t.logger.Warn("product info update failed",
			slog.Uint64("product_id", uint64(product.ID)),
			slog.String("error", err.Error()))
	}
}

// UpdateAll 顺序更新所有商品，相邻更新之间按配置间隔加随机抖动等待。
//
// 单个商品失败不中断整体，返回成功数与总数。
func (t *Tracker) UpdateAll(ctx context.Context) (int, int, error) {
	products, err := t.store.ListProducts(ctx)
	if err != nil {
		return 0, 0, err
	}
	if len(products) == 0 {
		t.logger.Warn("no products to update")
		return 0, 0, nil
	}

	updated := 0
	for i, p := range products {
		if i > 0 {
			// 連続リクエストを避けるため間隔に 1〜3 秒の揺らぎを足す
			pause := t.cfg.Fetch.RequestInterval + time.Second + time.Duration(rand.Int63n(int64(2*time.Second)))
			if err := sleepCtx(ctx, pause); err != nil {
				return updated, len(products), err
			}
		}

		if err := t.UpdateProduct(ctx, p.ID); err != nil {
			t.logger.Error("product update failed",
				slog.Uint64("product_id", uint64(p.ID)),
				slog.String("error", err.Error()))
			continue
		}
		updated++
	}

	metrics.BatchUpdateSuccess.Set(float64(updated))
	metrics.BatchUpdateFailure.Set(float64(len(products) - updated))
	if count, err := t.store.CountProducts(ctx); err == nil {
		metrics.TrackedProducts.Set(float64(count))
	}

	t.logger.Info("batch update completed",
		slog.Int("updated", updated),
		slog.Int("total", len(products)))
	return updated, len(products), nil
}

// AddBulk 批量注册商品，返回成功数。
func (t *Tracker) AddBulk(ctx context.Context, urls []string) int {
	success := 0
	for i, u := range urls {
		if i > 0 {
			if err := sleepCtx(ctx, t.cfg.Fetch.RequestInterval); err != nil {
				return success
			}
		}
		if _, err := t.AddProduct(ctx, u); err != nil {
			t.logger.Error("bulk add failed",
				slog.String("url", u),
				slog.String("error", err.Error()))
			continue
		}
		success++
	}
	return success
}

// Export 把商品与最新观测导出为 CSV，返回文件路径。
func (t *Tracker) Export(ctx context.Context) (string, error) {
	products, err := t.store.ListProducts(ctx)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(t.cfg.App.ExportDir, 0755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(t.cfg.App.ExportDir,
		fmt.Sprintf("products_%s.csv", time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"id", "name", "platform", "url", "regular_price", "sale_price", "in_stock", "review_count", "review_rating", "fetched_at"}
	if err := w.Write(header); err != nil {
		return "", err
	}

	for _, p := range products {
		snap, err := t.store.LatestSnapshot(ctx, p.ID)
		if err != nil {
			return "", err
		}
		row := []string{
			strconv.FormatUint(uint64(p.ID), 10),
			p.Name,
			p.Platform,
			p.URL,
			"", "", "", "", "", "",
		}
		if snap != nil {
			row[4] = floatCell(snap.RegularPrice)
			row[5] = floatCell(snap.SalePrice)
			row[6] = strconv.FormatBool(snap.InStock)
			row[7] = intCell(snap.ReviewCount)
			row[8] = floatCell(snap.ReviewRating)
			row[9] = snap.FetchedAt.Format(time.RFC3339)
		}
		if err := w.Write(row); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", err
	}

	t.logger.Info("export completed",
		slog.String("path", path),
		slog.Int("products", len(products)))
	return path, nil
}

func snapshotFrom(productID uint, r *scraper.Result) *model.PriceSnapshot {
	return &model.PriceSnapshot{
		ProductID:    productID,
		RegularPrice: r.RegularPrice,
		SalePrice:    r.SalePrice,
		InStock:      r.InStock,
		ReviewCount:  r.ReviewCount,
		ReviewRating: r.ReviewRating,
		FetchedAt:    time.Now(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func strPtrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func floatCell(f *float64) string {
	if f == nil {
		return ""
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}

func intCell(i *int) string {
	if i == nil {
		return ""
	}
	return strconv.Itoa(*i)
}
