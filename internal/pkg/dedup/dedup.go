package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ectracker:dedup:notify:"

// Suppressor 在 TTL 窗口内抑制重复通知。
//
// 同一商品的同一条变动内容在窗口内只会被投递一次，
// 防止短时间内反复抓取时向用户重复推送。
type Suppressor struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSuppressor 创建通知去重器。
//
// 参数:
//   - rdb: Redis 客户端，为 nil 时去重退化为全部放行
//   - ttl: 抑制窗口，<=0 时默认 1 小时
func NewSuppressor(rdb *redis.Client, ttl time.Duration) *Suppressor {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Suppressor{
		rdb: rdb,
		ttl: ttl,
	}
}

// Seen 判断该通知在窗口内是否已投递过。首次调用会占位并返回 false。
func (s *Suppressor) Seen(ctx context.Context, productID uint, kind, body string) (bool, error) {
	if s == nil || s.rdb == nil {
		return false, nil
	}
	key := suppressKey(productID, kind, body)
	ok, err := s.rdb.SetNX(ctx, key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Forget 清除占位，使同样内容的通知可以立即再次投递。
func (s *Suppressor) Forget(ctx context.Context, productID uint, kind, body string) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	if err := s.rdb.Del(ctx, suppressKey(productID, kind, body)).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func suppressKey(productID uint, kind, body string) string {
	sum := sha256.Sum256([]byte(body))
	return fmt.Sprintf("%s%d:%s:%s", keyPrefix, productID, kind, hex.EncodeToString(sum[:]))
}
