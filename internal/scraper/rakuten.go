package scraper

import (
	"math"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"ectracker/internal/model"
)

// Rakuten 楽天市場商品页适配器。
type Rakuten struct{}

func (r *Rakuten) Platform() string { return model.PlatformRakuten }

func (r *Rakuten) Rendered() bool { return true }

func (r *Rakuten) Parse(pageURL, html string) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &ParseError{Platform: r.Platform(), URL: pageURL, Reason: "invalid html: " + err.Error()}
	}

	res := &Result{Platform: r.Platform()}

	name := strings.TrimSpace(doc.Find("span.item_name").First().Text())
	if name == "" {
		name = strings.TrimSpace(doc.Find("h1.item_name").First().Text())
	}
	if name == "" {
		return nil, &ParseError{Platform: r.Platform(), URL: pageURL, Reason: "item name not found"}
	}
	res.Name = name

	if src, ok := doc.Find("div#image_main img").First().Attr("src"); ok && src != "" {
		res.ImageURL = strPtr(src)
	}

	// JAN コードは商品詳細テーブルから探す
	doc.Find("div.rcSectionTable tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		header := row.Find("th").First()
		if header.Length() == 0 {
			return true
		}
		if strings.Contains(header.Text(), "JAN") {
			res.ProductCode = strPtr(strings.TrimSpace(row.Find("td").First().Text()))
			return false
		}
		return true
	})

	if el := doc.Find("span.price2").First(); el.Length() > 0 {
		res.SalePrice = parsePrice(el.Text())
	}
	if el := doc.Find("span.price1").First(); el.Length() > 0 {
		text := strings.TrimSpace(el.Text())
		if strings.Contains(text, "税抜") {
			// 税抜表示は概算の税込価格（10%）に揃える
			if p := parsePrice(strings.Replace(text, "税抜", "", 1)); p != nil {
				v := math.Round(*p * 1.1)
				res.RegularPrice = &v
			}
		} else {
			res.RegularPrice = parsePrice(text)
		}
	}
	applyPriceFallback(res)

	if doc.Find("div.purchaseButtonArea").Length() > 0 {
		res.InStock = doc.Find("div.soldout_notice").Length() == 0
	}

	if el := doc.Find("span.revEvaNumber").First(); el.Length() > 0 {
		res.ReviewCount = parseIntText(el.Text())
	}
	if el := doc.Find("span.revEvaValue").First(); el.Length() > 0 {
		res.ReviewRating = parseFloatText(el.Text())
	}

	return res, nil
}
