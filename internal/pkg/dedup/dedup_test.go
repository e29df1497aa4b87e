package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newSuppressor(t *testing.T, ttl time.Duration) *Suppressor {
	t.Helper()

	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	return NewSuppressor(rdb, ttl)
}

func TestSuppressor_Seen(t *testing.T) {
	sup := newSuppressor(t, time.Minute)
	ctx := context.Background()

	seen, err := sup.Seen(ctx, 1, "price_change", "¥10,000 → ¥8,000")
	if err != nil {
		t.Fatalf("first seen: %v", err)
	}
	if seen {
		t.Fatalf("expected first notification to pass")
	}

	seen, err = sup.Seen(ctx, 1, "price_change", "¥10,000 → ¥8,000")
	if err != nil {
		t.Fatalf("second seen: %v", err)
	}
	if !seen {
		t.Fatalf("expected repeated notification to be suppressed")
	}
}

func TestSuppressor_KeysAreScoped(t *testing.T) {
	sup := newSuppressor(t, time.Minute)
	ctx := context.Background()

	if _, err := sup.Seen(ctx, 1, "price_change", "body"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// 不同商品或不同内容互不影响。
	seen, err := sup.Seen(ctx, 2, "price_change", "body")
	if err != nil {
		t.Fatalf("other product: %v", err)
	}
	if seen {
		t.Fatalf("different product should not be suppressed")
	}

	seen, err = sup.Seen(ctx, 1, "price_change", "other body")
	if err != nil {
		t.Fatalf("other body: %v", err)
	}
	if seen {
		t.Fatalf("different body should not be suppressed")
	}
}

func TestSuppressor_Forget(t *testing.T) {
	sup := newSuppressor(t, time.Minute)
	ctx := context.Background()

	if _, err := sup.Seen(ctx, 1, "stock_change", "在庫あり"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := sup.Forget(ctx, 1, "stock_change", "在庫あり"); err != nil {
		t.Fatalf("forget: %v", err)
	}

	seen, err := sup.Seen(ctx, 1, "stock_change", "在庫あり")
	if err != nil {
		t.Fatalf("seen after forget: %v", err)
	}
	if seen {
		t.Fatalf("expected notification to pass after forget")
	}
}

func TestSuppressor_NilClientPassesThrough(t *testing.T) {
	var sup *Suppressor
	seen, err := sup.Seen(context.Background(), 1, "price_change", "body")
	if err != nil {
		t.Fatalf("nil suppressor: %v", err)
	}
	if seen {
		t.Fatalf("nil suppressor must never suppress")
	}
}
