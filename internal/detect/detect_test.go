package detect

import (
	"strings"
	"testing"

	"ectracker/internal/model"
)

func snap(price *float64, inStock bool) *model.PriceSnapshot {
	return &model.PriceSnapshot{SalePrice: price, InStock: inStock}
}

func fp(v float64) *float64 { return &v }

func TestDetect_PriceDropAboveThreshold(t *testing.T) {
	events := Detect(snap(fp(10000), true), snap(fp(8000), true), 10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Kind != model.NotificationPriceChange {
		t.Fatalf("kind = %s", e.Kind)
	}
	if e.ChangePct != 20 {
		t.Fatalf("change pct = %v, want 20", e.ChangePct)
	}
}

func TestDetect_PriceChangeBelowThreshold(t *testing.T) {
	events := Detect(snap(fp(10000), true), snap(fp(9500), true), 10)
	if len(events) != 0 {
		t.Fatalf("expected no events for 5%% change, got %d", len(events))
	}
}

func TestDetect_StockFlipAlwaysFires(t *testing.T) {
	events := Detect(snap(fp(1000), true), snap(fp(1000), false), 10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Kind != model.NotificationStockChange {
		t.Fatalf("kind = %s", e.Kind)
	}
	if e.NowStock {
		t.Fatalf("expected out-of-stock event")
	}
}

func TestDetect_BothEventsTogether(t *testing.T) {
	events := Detect(snap(fp(10000), false), snap(fp(12000), true), 10)
	if len(events) != 2 {
		t.Fatalf("expected price and stock events, got %d", len(events))
	}
}

func TestDetect_NilPrevious(t *testing.T) {
	if events := Detect(nil, snap(fp(1000), true), 10); events != nil {
		t.Fatalf("first observation must not fire events, got %v", events)
	}
}

func TestDetect_MissingPrices(t *testing.T) {
	// 価格が取れない場合は価格イベントなし、在庫翻転のみ
	events := Detect(snap(nil, false), snap(fp(500), true), 10)
	if len(events) != 1 || events[0].Kind != model.NotificationStockChange {
		t.Fatalf("expected only stock event, got %v", events)
	}
}

func TestDetect_UsesSalePriceOverRegular(t *testing.T) {
	prev := &model.PriceSnapshot{RegularPrice: fp(10000), SalePrice: fp(9000), InStock: true}
	curr := &model.PriceSnapshot{RegularPrice: fp(10000), SalePrice: fp(7000), InStock: true}
	events := Detect(prev, curr, 10)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].OldPrice != 9000 || events[0].NewPrice != 7000 {
		t.Fatalf("expected sale prices, got %v -> %v", events[0].OldPrice, events[0].NewPrice)
	}
}

func TestEventMessage_PriceRise(t *testing.T) {
	e := Event{Kind: model.NotificationPriceChange, OldPrice: 8000, NewPrice: 10000, ChangePct: 25}
	msg := e.Message("テスト商品", "https://example.jp/item")

	for _, want := range []string{"商品: テスト商品", "価格上昇", "¥8,000 → ¥10,000", "25.0% 上昇", "URL: https://example.jp/item"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestEventMessage_StockChange(t *testing.T) {
	e := Event{Kind: model.NotificationStockChange, WasStock: true, NowStock: false}
	msg := e.Message("テスト商品", "https://example.jp/item")

	if !strings.Contains(msg, "在庫状況変化: 在庫あり → 在庫なし") {
		t.Errorf("unexpected message:\n%s", msg)
	}
}
