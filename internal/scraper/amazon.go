package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ectracker/internal/model"
)

// Amazon Amazon.co.jp 商品页适配器。页面大量依赖脚本渲染，
// 必须使用浏览器抓取。
type Amazon struct{}

func (a *Amazon) Platform() string { return model.PlatformAmazon }

func (a *Amazon) Rendered() bool { return true }

func (a *Amazon) Parse(pageURL, html string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &ParseError{Platform: a.Platform(), URL: pageURL, Reason: "invalid html: " + err.Error()}
	}

	r := &Result{Platform: a.Platform()}

	name := strings.TrimSpace(doc.Find("#productTitle").First().Text())
	if name == "" {
		return nil, &ParseError{Platform: a.Platform(), URL: pageURL, Reason: "product title not found"}
	}
	r.Name = name

	// 主图有多个候选位置，依次尝试
	for _, sel := range []string{"#landingImage", "#imgBlkFront", "#main-image"} {
		if src, ok := doc.Find(sel).First().Attr("src"); ok && src != "" {
			r.ImageURL = strPtr(src)
			break
		}
	}

	r.ProductCode = a.extractASIN(doc, pageURL)

	// 通常価格は取り消し線付きの a-text-price に入る
	if el := doc.Find("span.a-text-price span.a-offscreen").First(); el.Length() > 0 {
		r.RegularPrice = parsePrice(el.Text())
	}
	if el := doc.Find("span.a-price span.a-offscreen").First(); el.Length() > 0 {
		r.SalePrice = parsePrice(el.Text())
	}
	if r.SalePrice == nil {
		if el := doc.Find("#priceblock_ourprice").First(); el.Length() > 0 {
			r.SalePrice = parsePrice(el.Text())
		}
	}
	applyPriceFallback(r)

	r.InStock = a.inStock(doc)

	if el := doc.Find("#acrCustomerReviewText").First(); el.Length() > 0 {
		fields := strings.Fields(el.Text())
		if len(fields) > 0 {
			r.ReviewCount = parseIntText(fields[0])
		}
	}
	if el := doc.Find("span.a-icon-alt").First(); el.Length() > 0 {
		text := el.Text()
		if strings.Contains(text, "5つ星のうち") {
			r.ReviewRating = parseFloatText(strings.Replace(text, "5つ星のうち", "", 1))
		}
	}

	return r, nil
}

// extractASIN 先从商品详情区块找 ASIN 行，找不到再从 URL 提取。
func (a *Amazon) extractASIN(doc *goquery.Document, pageURL string) *string {
	var asin string
	doc.Find("div.content ul li").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		text := strings.TrimSpace(s.Text())
		if strings.Contains(text, "ASIN") {
			parts := strings.Split(text, ":")
			asin = strings.TrimSpace(parts[len(parts)-1])
			return false
		}
		return true
	})
	if asin != "" {
		return strPtr(asin)
	}

	if idx := strings.Index(pageURL, "/dp/"); idx >= 0 {
		rest := pageURL[idx+len("/dp/"):]
		if slash := strings.IndexAny(rest, "/?"); slash >= 0 {
			rest = rest[:slash]
		}
		return strPtr(rest)
	}
	return nil
}

func (a *Amazon) inStock(doc *goquery.Document) bool {
	if el := doc.Find("#availability span").First(); el.Length() > 0 {
		text := strings.ToLower(strings.TrimSpace(el.Text()))
		if strings.Contains(text, "在庫あり") || !strings.Contains(text, "在庫") {
			return true
		}
	}
	// 購入ボタンがあれば在庫ありとみなす
	return doc.Find("#add-to-cart-button").Length() > 0
}
