package scraper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Result 适配器从商品页提取出的观测结果。
//
// Name 缺失视为解析失败，其余字段缺失时保持 nil 降级处理。
type Result struct {
	Name         string
	ImageURL     *string
	ProductCode  *string
	RegularPrice *float64
	SalePrice    *float64
	InStock      bool
	ReviewCount  *int
	ReviewRating *float64
	Platform     string
}

// ParseError 页面结构解析失败（区别于网络层错误）。
type ParseError struct {
	Platform string
	URL      string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s page %s: %s", e.Platform, e.URL, e.Reason)
}

// Adapter 单个电商平台的页面解析适配器。
type Adapter interface {
	// Platform 返回平台标识。
	Platform() string
	// Rendered 返回该平台是否需要浏览器渲染抓取。
	Rendered() bool
	// Parse 从 HTML 中提取商品观测结果。
	Parse(pageURL, html string) (*Result, error)
}

// ForURL 根据商品 URL 选择适配器，不支持的平台返回错误。
func ForURL(pageURL string) (Adapter, error) {
	switch {
	case strings.Contains(pageURL, "amazon.co.jp"), strings.Contains(pageURL, "amzn.to"):
		return &Amazon{}, nil
	case strings.Contains(pageURL, "rakuten.co.jp"), strings.Contains(pageURL, "r10.to"):
		return &Rakuten{}, nil
	case strings.Contains(pageURL, "shopping.yahoo.co.jp"):
		return &Yahoo{}, nil
	}
	return nil, fmt.Errorf("unsupported product url: %s", pageURL)
}

var priceCleanRe = regexp.MustCompile(`[￥¥円,\s]`)

// parsePrice 把 "￥1,980" / "1,980円" 之类的文本解析为数值。
func parsePrice(text string) *float64 {
	cleaned := priceCleanRe.ReplaceAllString(strings.TrimSpace(text), "")
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseIntText(text string) *int {
	cleaned := strings.ReplaceAll(strings.TrimSpace(text), ",", "")
	if cleaned == "" {
		return nil
	}
	// "123件" のように数字の後に単位が付く場合は先頭の数字だけ取る
	end := 0
	for end < len(cleaned) && cleaned[end] >= '0' && cleaned[end] <= '9' {
		end++
	}
	if end == 0 {
		return nil
	}
	v, err := strconv.Atoi(cleaned[:end])
	if err != nil {
		return nil
	}
	return &v
}

func parseFloatText(text string) *float64 {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// applyPriceFallback 只有销售价时把通常价对齐到销售价。
func applyPriceFallback(r *Result) {
	if r.RegularPrice == nil && r.SalePrice != nil {
		r.RegularPrice = r.SalePrice
	}
}
