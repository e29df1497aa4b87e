package detect

import (
	"fmt"
	"math"

	"ectracker/internal/model"
)

// Event 一次检测到的商品变化。
type Event struct {
	Kind      string  // model.NotificationPriceChange / NotificationStockChange
	OldPrice  float64 // 仅价格事件有效
	NewPrice  float64
	ChangePct float64 // 变动幅度（绝对值百分比）
	WasStock  bool    // 仅库存事件有效
	NowStock  bool
}

// Message 生成通知正文（日文模板）。
func (e Event) Message(productName, productURL string) string {
	switch e.Kind {
	case model.NotificationPriceChange:
		direction := "下落"
		if e.NewPrice > e.OldPrice {
			direction = "上昇"
		}
		return fmt.Sprintf("商品: %s\n価格%s: ¥%s → ¥%s (%.1f%% %s)\nURL: %s",
			productName, direction,
			formatYen(e.OldPrice), formatYen(e.NewPrice),
			e.ChangePct, direction, productURL)
	case model.NotificationStockChange:
		return fmt.Sprintf("商品: %s\n在庫状況変化: %s → %s\nURL: %s",
			productName, stockText(e.WasStock), stockText(e.NowStock), productURL)
	}
	return productName
}

func stockText(inStock bool) string {
	if inStock {
		return "在庫あり"
	}
	return "在庫なし"
}

// Detect 比较前后两次快照，返回需要通知的变化事件。
//
// prev 为 nil（首次抓取）时不产生任何事件。价格事件要求变动幅度
// 达到 thresholdPct；库存翻转始终生成事件。
func Detect(prev, curr *model.PriceSnapshot, thresholdPct float64) []Event {
	if prev == nil || curr == nil {
		return nil
	}

	var events []Event

	oldPrice := prev.ActivePrice()
	newPrice := curr.ActivePrice()
	if oldPrice != nil && newPrice != nil && *oldPrice > 0 {
		pct := math.Abs((*newPrice - *oldPrice) / *oldPrice * 100)
		if pct >= thresholdPct {
			events = append(events, Event{
				Kind:      model.NotificationPriceChange,
				OldPrice:  *oldPrice,
				NewPrice:  *newPrice,
				ChangePct: pct,
			})
		}
	}

	if prev.InStock != curr.InStock {
		events = append(events, Event{
			Kind:     model.NotificationStockChange,
			WasStock: prev.InStock,
			NowStock: curr.InStock,
		})
	}

	return events
}

// formatYen 金额千分位格式化，去掉小数部分。
func formatYen(v float64) string {
	n := int64(math.Round(v))
	s := fmt.Sprintf("%d", n)
	neg := false
	if n < 0 {
		neg = true
		s = s[1:]
	}
	out := ""
	for i, c := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out += ","
		}
		out += string(c)
	}
	if neg {
		return "-" + out
	}
	return out
}
