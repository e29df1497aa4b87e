package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ectracker/internal/model"
)

// Yahoo Yahoo!ショッピング商品页适配器。
type Yahoo struct{}

func (y *Yahoo) Platform() string { return model.PlatformYahoo }

func (y *Yahoo) Rendered() bool { return true }

func (y *Yahoo) Parse(pageURL, html string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &ParseError{Platform: y.Platform(), URL: pageURL, Reason: "invalid html: " + err.Error()}
	}

	res := &Result{Platform: y.Platform()}

	name := strings.TrimSpace(doc.Find("h1.elTitle").First().Text())
	if name == "" {
		return nil, &ParseError{Platform: y.Platform(), URL: pageURL, Reason: "title not found"}
	}
	res.Name = name

	if src, ok := doc.Find("div.elMain img").First().Attr("src"); ok && src != "" {
		res.ImageURL = strPtr(src)
	}

	res.ProductCode = extractYahooCode(pageURL)

	if el := doc.Find("span.elPriceValue").First(); el.Length() > 0 {
		res.SalePrice = parsePrice(el.Text())
	}
	// 取り消し線の価格が通常価格
	if el := doc.Find("span.elPriceL").First(); el.Length() > 0 {
		res.RegularPrice = parsePrice(el.Text())
	}
	applyPriceFallback(res)

	if doc.Find("div.elSoldout").Length() == 0 {
		res.InStock = doc.Find("button.elCartButton").Length() > 0
	}

	if el := doc.Find("span.elReviewNumber").First(); el.Length() > 0 {
		res.ReviewCount = parseIntText(el.Text())
	}
	if el := doc.Find("span.elTotalNominator").First(); el.Length() > 0 {
		res.ReviewRating = parseFloatText(el.Text())
	}

	return res, nil
}

// extractYahooCode 从 URL 路径提取店铺商品 ID。
func extractYahooCode(pageURL string) *string {
	if idx := strings.Index(pageURL, "/store/"); idx >= 0 {
		rest := pageURL[idx+len("/store/"):]
		parts := strings.Split(rest, "/")
		if len(parts) >= 2 && parts[1] != "" {
			code := parts[1]
			if q := strings.IndexAny(code, "?#"); q >= 0 {
				code = code[:q]
			}
			return strPtr(code)
		}
		return nil
	}
	if idx := strings.Index(pageURL, "/shopping/"); idx >= 0 {
		rest := pageURL[idx+len("/shopping/"):]
		if slash := strings.IndexAny(rest, "/?#"); slash >= 0 {
			rest = rest[:slash]
		}
		return strPtr(rest)
	}
	return nil
}
