package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"ectracker/internal/model"
)

// ErrNotSubscribed 指定的联系方式不在订阅集合中。
var ErrNotSubscribed = errors.New("contact not subscribed")

var (
	emailRe = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)
	phoneRe = regexp.MustCompile(`^\d{10,11}$`)
)

// Store 订阅持久化接口。
type Store interface {
	GetSubscription(ctx context.Context, productID uint) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	SaveSubscription(ctx context.Context, sub *model.Subscription) error
	DeleteSubscription(ctx context.Context, productID uint) error
}

// Registry 管理商品的再入荷提醒订阅者。
type Registry struct {
	store  Store
	logger *slog.Logger
}

// NewRegistry 创建订阅注册表。
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// Entry 某个商品的订阅者集合。
type Entry struct {
	ProductID uint
	Emails    []string
	Phones    []string
}

// Subscribe 登记订阅者。无效的联系方式被静默忽略，不视为错误；
// 全部无效时不产生订阅条目。
//
// 电话号码在校验前去掉连字符。重复登记是幂等的。
func (r *Registry) Subscribe(ctx context.Context, productID uint, email, phone string) error {
	validEmail := ""
	if email != "" && emailRe.MatchString(email) {
		validEmail = email
	}
	validPhone := ""
	if phone != "" && phoneRe.MatchString(strings.ReplaceAll(phone, "-", "")) {
		validPhone = phone
	}
	if validEmail == "" && validPhone == "" {
		r.logger.Warn("no valid contact provided, nothing to subscribe",
			slog.Uint64("product_id", uint64(productID)))
		return nil
	}

	entry, err := r.Get(ctx, productID)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &Entry{ProductID: productID}
	}

	if validEmail != "" {
		entry.Emails = appendUnique(entry.Emails, validEmail)
	}
	if validPhone != "" {
		entry.Phones = appendUnique(entry.Phones, validPhone)
	}

	if err := r.save(ctx, entry); err != nil {
		return err
	}
	r.logger.Info("stock alert subscription added",
		slog.Uint64("product_id", uint64(productID)))
	return nil
}

// Unsubscribe 解除订阅。两个集合都清空时删除整条记录。
func (r *Registry) Unsubscribe(ctx context.Context, productID uint, email, phone string) error {
	entry, err := r.Get(ctx, productID)
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrNotSubscribed
	}

	removed := false
	if email != "" {
		entry.Emails, removed = removeValue(entry.Emails, email)
	}
	if phone != "" {
		var ok bool
		entry.Phones, ok = removeValue(entry.Phones, phone)
		removed = removed || ok
	}
	if !removed {
		return ErrNotSubscribed
	}

	if len(entry.Emails) == 0 && len(entry.Phones) == 0 {
		if err := r.store.DeleteSubscription(ctx, productID); err != nil {
			return err
		}
	} else if err := r.save(ctx, entry); err != nil {
		return err
	}

	r.logger.Info("stock alert subscription removed",
		slog.Uint64("product_id", uint64(productID)))
	return nil
}

// Get 返回商品的订阅者集合，无订阅时返回 nil。
func (r *Registry) Get(ctx context.Context, productID uint) (*Entry, error) {
	sub, err := r.store.GetSubscription(ctx, productID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}
	return decodeEntry(sub)
}

// All 返回全部订阅条目。
func (r *Registry) All(ctx context.Context) ([]Entry, error) {
	subs, err := r.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(subs))
	for i := range subs {
		entry, err := decodeEntry(&subs[i])
		if err != nil {
			r.logger.Warn("skip corrupted subscription row",
				slog.Uint64("product_id", uint64(subs[i].ProductID)),
				slog.String("error", err.Error()))
			continue
		}
		entries = append(entries, *entry)
	}
	return entries, nil
}

func (r *Registry) save(ctx context.Context, entry *Entry) error {
	emails, err := json.Marshal(entry.Emails)
	if err != nil {
		return fmt.Errorf("encode emails: %w", err)
	}
	phones, err := json.Marshal(entry.Phones)
	if err != nil {
		return fmt.Errorf("encode phones: %w", err)
	}
	return r.store.SaveSubscription(ctx, &model.Subscription{
		ProductID: entry.ProductID,
		Emails:    string(emails),
		Phones:    string(phones),
	})
}

func decodeEntry(sub *model.Subscription) (*Entry, error) {
	entry := &Entry{ProductID: sub.ProductID}
	if sub.Emails != "" {
		if err := json.Unmarshal([]byte(sub.Emails), &entry.Emails); err != nil {
			return nil, fmt.Errorf("decode emails: %w", err)
		}
	}
	if sub.Phones != "" {
		if err := json.Unmarshal([]byte(sub.Phones), &entry.Phones); err != nil {
			return nil, fmt.Errorf("decode phones: %w", err)
		}
	}
	return entry, nil
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func removeValue(list []string, v string) ([]string, bool) {
	for i, existing := range list {
		if existing == v {
			return append(list[:i], list[i+1:]...), true
		}
	}
	return list, false
}
