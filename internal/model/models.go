package model

import (
	"time"
)

// 通知类型常量。
const (
	NotificationPriceChange = "price_change"
	NotificationStockChange = "stock_change"
	NotificationRestock     = "restock"
)

// 支持的电商平台标识。
const (
	PlatformAmazon  = "amazon"
	PlatformRakuten = "rakuten"
	PlatformYahoo   = "yahoo"
)

// Product 表示一个被追踪的电商商品。
//
// URL 是商品在源平台的规范地址（唯一索引），用于去重与调度。
// 商品在首次抓取成功时创建；当适配器报告名称/图片/商品码变化时更新；
// 核心流程不会删除商品。
type Product struct {
	ID        uint      `gorm:"primaryKey"` // 内部 ID
	CreatedAt time.Time // 首次抓取时间
	UpdatedAt time.Time // 更新时间

	Name        string  `gorm:"not null"`                               // 商品名称（必填字段）
	URL         string  `gorm:"type:varchar(191);uniqueIndex;not null"` // 商品页规范 URL
	ImageURL    *string // 主图链接（可缺失）
	ProductCode *string // 平台商品码（ASIN / JAN / 店铺商品 ID）
	Platform    string  `gorm:"not null"` // 平台标识: amazon / rakuten / yahoo

	Snapshots []PriceSnapshot `gorm:"foreignKey:ProductID"` // 价格快照（按抓取时间倒序读取）
}

// PriceSnapshot 表示某个商品在一次抓取中的价格/库存/评价观测。
//
// 只追加不修改。约定：当 InStock 为 true 时，RegularPrice 与 SalePrice
// 至少有一个非空。
type PriceSnapshot struct {
	ID        uint `gorm:"primaryKey"`
	ProductID uint `gorm:"index;not null"`

	RegularPrice *float64  // 通常价格（单位: 日元，可缺失）
	SalePrice    *float64  // 销售价格（可缺失）
	InStock      bool      `gorm:"not null"` // 在库状态
	ReviewCount  *int      // 评论数（可缺失）
	ReviewRating *float64  // 评分（可缺失）
	FetchedAt    time.Time `gorm:"index;not null"` // 抓取时间
}

// ActivePrice 返回当前生效的价格：有销售价用销售价，否则用通常价。
//
// 两者都缺失时返回 nil（未在库商品的合法状态）。
func (s *PriceSnapshot) ActivePrice() *float64 {
	if s == nil {
		return nil
	}
	if s.SalePrice != nil {
		return s.SalePrice
	}
	return s.RegularPrice
}

// NotificationRecord 是通知的审计记录。
//
// 在任何渠道尝试投递之前先落库（audit-first），投递失败不回滚。
type NotificationRecord struct {
	ID        uint   `gorm:"primaryKey"`
	ProductID uint   `gorm:"index;not null"`
	Kind      string `gorm:"not null"` // price_change / stock_change / restock
	Message   string `gorm:"type:text;not null"`
	SentAt    time.Time
}

// Subscription 表示某商品的再入荷提醒订阅者集合。
//
// Emails/Phones 以 JSON 数组存储。两个集合都为空时删除整行。
type Subscription struct {
	ProductID uint   `gorm:"primaryKey"`
	Emails    string `gorm:"type:text"` // JSON array of email addresses
	Phones    string `gorm:"type:text"` // JSON array of phone numbers
	UpdatedAt time.Time
}
