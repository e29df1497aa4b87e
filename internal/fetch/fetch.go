package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"time"

	"ectracker/internal/config"
	"ectracker/internal/pkg/metrics"
)

// Error 抓取失败。Status 为 0 表示网络层错误。
type Error struct {
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Limiter 抓取前的全局限速钩子。
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Engine 统一的页面抓取引擎。
//
// 直连模式走 net/http，渲染模式启动无头浏览器加载页面并
// 模拟滚动后取回渲染完成的 HTML。两种模式共享重试与限速策略。
type Engine struct {
	cfg     config.FetchConfig
	browser config.BrowserConfig
	client  *http.Client
	limiter Limiter
	logger  *slog.Logger
}

// NewEngine 创建抓取引擎。
//
// 参数:
//
//	fetchCfg: 抓取配置（UA/超时/重试/代理池）
//	browserCfg: 渲染抓取配置
//	limiter: 全局限速器（可为 nil）
//	logger: 日志记录器
func NewEngine(fetchCfg config.FetchConfig, browserCfg config.BrowserConfig, limiter Limiter, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:     fetchCfg,
		browser: browserCfg,
		client: &http.Client{
			Timeout: fetchCfg.Timeout,
		},
		limiter: limiter,
		logger:  logger,
	}
}

// Fetch 抓取单个商品页，返回 HTML 文本。
//
// rendered 为 true 时使用浏览器渲染抓取。整体带重试，
// 每次尝试先经过限速器。
func (e *Engine) Fetch(ctx context.Context, pageURL string, rendered bool) (string, error) {
	retry := Retry{Attempts: e.cfg.RetryAttempts, Interval: e.cfg.RetryInterval}

	// 代理按抓取单位选择一次，重试沿用同一出口
	proxyURL := e.pickProxy()

	var html string
	err := retry.Do(ctx, func(ctx context.Context) error {
		if e.limiter != nil {
			if err := e.limiter.Acquire(ctx); err != nil {
				return err
			}
		}

		var fetchErr error
		if rendered {
			html, fetchErr = e.fetchRendered(ctx, pageURL, proxyURL)
		} else {
			html, fetchErr = e.fetchDirect(ctx, pageURL, proxyURL)
		}
		if fetchErr != nil {
			metrics.FetchRetryTotal.Inc()
			e.logger.Warn("fetch attempt failed",
				slog.String("url", pageURL),
				slog.Bool("rendered", rendered),
				slog.String("error", fetchErr.Error()))
		}
		return fetchErr
	})
	if err != nil {
		return "", err
	}
	return html, nil
}

// fetchDirect 发起一次直连 HTTP 请求。
func (e *Engine) fetchDirect(ctx context.Context, pageURL string, proxyURL *url.URL) (string, error) {
	client := e.client
	if proxyURL != nil {
		client = &http.Client{
			Timeout: e.cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyURL(proxyURL),
			},
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", &Error{URL: pageURL, Err: err}
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept-Language", "ja,en;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return "", &Error{URL: pageURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", &Error{URL: pageURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{URL: pageURL, Err: err}
	}
	return string(body), nil
}

// pickProxy 从代理池随机取一个，未启用时返回 nil。
func (e *Engine) pickProxy() *url.URL {
	if !e.cfg.EnableProxy || len(e.cfg.ProxyList) == 0 {
		return nil
	}
	raw := e.cfg.ProxyList[rand.Intn(len(e.cfg.ProxyList))]
	u, err := url.Parse(raw)
	if err != nil {
		e.logger.Warn("invalid proxy in pool, skip", slog.String("proxy", raw))
		return nil
	}
	return u
}

// randomPause 返回 [min, max) 之间的随机等待时间。
func randomPause(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
