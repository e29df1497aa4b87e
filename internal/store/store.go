package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"ectracker/internal/model"
)

// ErrNotFound 查询对象不存在。
var ErrNotFound = errors.New("record not found")

// Store 封装对 MySQL 的全部持久化访问。
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open 连接 MySQL 并执行自动迁移。
//
// 参数:
//
//	dsn: go-sql-driver 格式的连接字符串
//	logger: 日志记录器
//
// 返回值:
//
//	*Store: 可用的存储实例
//	error: 连接或迁移失败
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB 使用已建立的 gorm 连接创建存储（测试用）。
func NewWithDB(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	err := s.db.AutoMigrate(
		&model.Product{},
		&model.PriceSnapshot{},
		&model.NotificationRecord{},
		&model.Subscription{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateProduct 创建商品记录。URL 冲突时返回错误。
func (s *Store) CreateProduct(ctx context.Context, p *model.Product) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// UpdateProductInfo 更新商品的描述性字段（名称/图片/商品码）。
func (s *Store) UpdateProductInfo(ctx context.Context, p *model.Product) error {
	err := s.db.WithContext(ctx).Model(&model.Product{}).
		Where("id = ?", p.ID).
		Updates(map[string]interface{}{
			"name":         p.Name,
			"image_url":    p.ImageURL,
			"product_code": p.ProductCode,
		}).Error
	if err != nil {
		return fmt.Errorf("update product info: %w", err)
	}
	return nil
}

// GetProduct 按内部 ID 查询商品。
func (s *Store) GetProduct(ctx context.Context, id uint) (*model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return &p, nil
}

// GetProductByURL 按规范 URL 查询商品，用于注册去重。
func (s *Store) GetProductByURL(ctx context.Context, url string) (*model.Product, error) {
	var p model.Product
	err := s.db.WithContext(ctx).Where("url = ?", url).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get product by url: %w", err)
	}
	return &p, nil
}

// ListProducts 按 ID 升序返回全部商品。
func (s *Store) ListProducts(ctx context.Context) ([]model.Product, error) {
	var products []model.Product
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&products).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// CountProducts 返回商品总数。
func (s *Store) CountProducts(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Product{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count products: %w", err)
	}
	return n, nil
}

// AppendSnapshot 追加一条价格快照。快照只增不改。
func (s *Store) AppendSnapshot(ctx context.Context, snap *model.PriceSnapshot) error {
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot 返回商品最近一条快照，不存在时返回 nil。
func (s *Store) LatestSnapshot(ctx context.Context, productID uint) (*model.PriceSnapshot, error) {
	var snap model.PriceSnapshot
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("fetched_at DESC, id DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	return &snap, nil
}

// RecentSnapshots 返回商品最近的 limit 条快照，按抓取时间倒序。
func (s *Store) RecentSnapshots(ctx context.Context, productID uint, limit int) ([]model.PriceSnapshot, error) {
	var snaps []model.PriceSnapshot
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("fetched_at DESC, id DESC").
		Limit(limit).
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("recent snapshots: %w", err)
	}
	return snaps, nil
}

// SnapshotsSince 返回商品在 since 之后的快照，按时间升序（周报用）。
func (s *Store) SnapshotsSince(ctx context.Context, productID uint, since time.Time) ([]model.PriceSnapshot, error) {
	var snaps []model.PriceSnapshot
	err := s.db.WithContext(ctx).
		Where("product_id = ? AND fetched_at >= ?", productID, since).
		Order("fetched_at ASC").
		Find(&snaps).Error
	if err != nil {
		return nil, fmt.Errorf("snapshots since: %w", err)
	}
	return snaps, nil
}

// AddNotification 写入通知审计记录。投递前调用。
func (s *Store) AddNotification(ctx context.Context, rec *model.NotificationRecord) error {
	if rec.SentAt.IsZero() {
		rec.SentAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("add notification: %w", err)
	}
	return nil
}

// RecentNotifications 返回最近的 limit 条通知记录。
func (s *Store) RecentNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error) {
	var recs []model.NotificationRecord
	err := s.db.WithContext(ctx).
		Order("sent_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("recent notifications: %w", err)
	}
	return recs, nil
}

// GetSubscription 返回商品的订阅行，不存在时返回 nil。
func (s *Store) GetSubscription(ctx context.Context, productID uint) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.db.WithContext(ctx).Where("product_id = ?", productID).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions 返回全部订阅行。
func (s *Store) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := s.db.WithContext(ctx).Find(&subs).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}

// SaveSubscription 写入或覆盖订阅行。
func (s *Store) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	sub.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(sub).Error; err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	return nil
}

// DeleteSubscription 删除订阅行。订阅者集合清空时调用。
func (s *Store) DeleteSubscription(ctx context.Context, productID uint) error {
	err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Delete(&model.Subscription{}).Error
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}
