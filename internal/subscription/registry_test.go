package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"ectracker/internal/model"
)

type memStore struct {
	rows map[uint]*model.Subscription
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uint]*model.Subscription)}
}

func (s *memStore) GetSubscription(ctx context.Context, productID uint) (*model.Subscription, error) {
	if row, ok := s.rows[productID]; ok {
		copied := *row
		return &copied, nil
	}
	return nil, nil
}

func (s *memStore) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var out []model.Subscription
	for _, row := range s.rows {
		out = append(out, *row)
	}
	return out, nil
}

func (s *memStore) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	copied := *sub
	s.rows[sub.ProductID] = &copied
	return nil
}

func (s *memStore) DeleteSubscription(ctx context.Context, productID uint) error {
	delete(s.rows, productID)
	return nil
}

func newTestRegistry() (*Registry, *memStore) {
	store := newMemStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(store, logger), store
}

func TestRegistry_SubscribeAndGet(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	if err := r.Subscribe(ctx, 1, "user@example.com", "090-1234-5678"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	entry, err := r.Get(ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if entry == nil {
		t.Fatalf("expected entry")
	}
	if len(entry.Emails) != 1 || entry.Emails[0] != "user@example.com" {
		t.Errorf("emails = %v", entry.Emails)
	}
	if len(entry.Phones) != 1 || entry.Phones[0] != "090-1234-5678" {
		t.Errorf("phones = %v", entry.Phones)
	}
}

func TestRegistry_SubscribeIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Subscribe(ctx, 1, "user@example.com", ""); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	}

	entry, _ := r.Get(ctx, 1)
	if len(entry.Emails) != 1 {
		t.Fatalf("expected 1 email after repeated subscribe, got %v", entry.Emails)
	}
}

func TestRegistry_InvalidContactsIgnoredSilently(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	cases := []struct{ email, phone string }{
		{"", ""},
		{"not-an-email", ""},
		{"missing-domain@", ""},
		{"", "12345"},
		{"", "abc-defg-hijk"},
	}
	for _, tc := range cases {
		// 無効な連絡先はエラーにせず捨てる
		if err := r.Subscribe(ctx, 1, tc.email, tc.phone); err != nil {
			t.Errorf("Subscribe(%q, %q) = %v, want nil", tc.email, tc.phone, err)
		}
	}

	if entry, _ := r.Get(ctx, 1); entry != nil {
		t.Fatalf("no entry should exist, got %+v", entry)
	}
}

func TestRegistry_InvalidPartIgnored(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	// メール有効・電話無効なら電話だけ捨てる
	if err := r.Subscribe(ctx, 2, "a@b.jp", "123"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	entry, _ := r.Get(ctx, 2)
	if len(entry.Emails) != 1 || len(entry.Phones) != 0 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestRegistry_UnsubscribeDeletesEmptyEntry(t *testing.T) {
	r, store := newTestRegistry()
	ctx := context.Background()

	if err := r.Subscribe(ctx, 3, "u@example.jp", "09012345678"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := r.Unsubscribe(ctx, 3, "u@example.jp", ""); err != nil {
		t.Fatalf("unsubscribe email: %v", err)
	}
	if entry, _ := r.Get(ctx, 3); entry == nil || len(entry.Phones) != 1 {
		t.Fatalf("phone subscription should remain: %+v", entry)
	}

	if err := r.Unsubscribe(ctx, 3, "", "09012345678"); err != nil {
		t.Fatalf("unsubscribe phone: %v", err)
	}
	if _, ok := store.rows[3]; ok {
		t.Fatalf("row should be deleted once both sets are empty")
	}
}

func TestRegistry_UnsubscribeUnknown(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	if err := r.Unsubscribe(ctx, 9, "nobody@example.com", ""); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed, got %v", err)
	}

	if err := r.Subscribe(ctx, 9, "a@b.jp", ""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := r.Unsubscribe(ctx, 9, "other@b.jp", ""); !errors.Is(err, ErrNotSubscribed) {
		t.Fatalf("expected ErrNotSubscribed for unknown contact, got %v", err)
	}
}
