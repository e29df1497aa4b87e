package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Local 是进程内令牌桶，未配置 Redis 时作为限速的降级实现。
// 多实例部署时各实例独立限速，全局限速仍需 Redis 版本。
type Local struct {
	limiter *rate.Limiter
}

// NewLocal 创建进程内限速器。
//
// 参数:
//   - ratePerSec: 每秒生成的令牌数，<=0 时不限速
//   - burst: 桶容量，<=0 时取 1
func NewLocal(ratePerSec float64, burst int) *Local {
	if ratePerSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &Local{limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Acquire 阻塞直到获取令牌或上下文取消。nil 接收者直接放行。
func (l *Local) Acquire(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	return l.limiter.Wait(ctx)
}
