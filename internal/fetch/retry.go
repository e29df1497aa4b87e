package fetch

import (
	"context"
	"fmt"
	"time"
)

// Retry 线性退避重试策略。
//
// 第 n 次失败后等待 Interval*(n+1) 再重试，等待期间响应 ctx 取消。
type Retry struct {
	Attempts int           // 最大尝试次数（含首次）
	Interval time.Duration // 退避基数
}

// Do 执行 fn 直到成功或尝试次数耗尽，返回最后一次的错误。
func (r Retry) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if attempt == attempts-1 {
			break
		}

		wait := r.Interval * time.Duration(attempt+1)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return fmt.Errorf("retry aborted: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}
