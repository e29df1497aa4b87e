package fetch

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// 渲染抓取的时间参数。
const (
	scrollStep      = 300                    // 每次滚动的像素数
	scrollCount     = 4                      // 滚动次数
	scrollPauseMin  = 500 * time.Millisecond // 滚动间隔下限
	scrollPauseMax  = 1500 * time.Millisecond
	settleJitterMin = 3 * time.Second // 渲染完成后的额外等待下限
	settleJitterMax = 7 * time.Second
)

// fetchRendered 启动无头浏览器加载页面并返回渲染后的 HTML。
//
// 每次调用启动独立的浏览器实例，代理在实例级别生效，
// 结束后整体关闭。页面加载后分步滚动触发懒加载内容。
func (e *Engine) fetchRendered(ctx context.Context, pageURL string, proxyURL *url.URL) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &Error{URL: pageURL, Err: fmt.Errorf("browser panic: %v", r)}
		}
	}()

	l := launcher.New().
		Headless(e.browser.Headless).
		NoSandbox(true).
		Set("disable-dev-shm-usage").
		Set("disable-gpu").
		Set("user-agent", e.cfg.UserAgent)

	if e.browser.BinPath != "" {
		l = l.Bin(e.browser.BinPath)
	}

	if proxyURL != nil {
		l = l.Proxy(proxyURL.Host)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return "", &Error{URL: pageURL, Err: fmt.Errorf("launch browser: %w", err)}
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return "", &Error{URL: pageURL, Err: fmt.Errorf("connect browser: %w", err)}
	}
	defer func() {
		_ = browser.Close()
		l.Cleanup()
	}()

	if proxyURL != nil && proxyURL.User != nil {
		pass, _ := proxyURL.User.Password()
		go browser.MustHandleAuth(proxyURL.User.Username(), pass)()
	}

	page, err := stealth.Page(browser)
	if err != nil {
		return "", &Error{URL: pageURL, Err: fmt.Errorf("create page: %w", err)}
	}

	if err := warmUpViewport(page); err != nil {
		return "", &Error{URL: pageURL, Err: fmt.Errorf("set viewport: %w", err)}
	}

	page = page.Timeout(e.browser.PageTimeout)
	if err := page.Navigate(pageURL); err != nil {
		return "", &Error{URL: pageURL, Err: fmt.Errorf("navigate: %w", err)}
	}
	if err := page.WaitLoad(); err != nil {
		return "", &Error{URL: pageURL, Err: fmt.Errorf("wait load: %w", err)}
	}

	// 分步滚动触发懒加载，间隔加入随机抖动模拟人工浏览
	for i := 1; i <= scrollCount; i++ {
		offset := scrollStep * i
		script := fmt.Sprintf("() => window.scrollTo(0, %d)", offset)
		if _, err := page.Eval(script); err != nil {
			break
		}
		if err := sleepCtx(ctx, randomPause(scrollPauseMin, scrollPauseMax)); err != nil {
			return "", &Error{URL: pageURL, Err: err}
		}
	}

	wait := e.browser.SettleWait + randomPause(settleJitterMin, settleJitterMax)
	if err := sleepCtx(ctx, wait); err != nil {
		return "", &Error{URL: pageURL, Err: err}
	}

	html, err = page.HTML()
	if err != nil {
		return "", &Error{URL: pageURL, Err: fmt.Errorf("get html: %w", err)}
	}
	return html, nil
}

// warmUpViewport 设定移动端以外的默认视口，保证桌面版选择器可用。
func warmUpViewport(page *rod.Page) error {
	return page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             1280,
		Height:            900,
		DeviceScaleFactor: 1,
	})
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
