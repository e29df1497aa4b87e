package notify

import (
	"context"
)

// Message 一条待投递的通知。
type Message struct {
	ProductID   uint
	ProductName string
	ProductURL  string
	ImageURL    string // 可为空
	Kind        string // model.Notification* 常量
	Body        string // 已生成好的日文正文
}

// Channel 单个通知投递渠道。
type Channel interface {
	// Name 渠道标识，用于日志与指标。
	Name() string
	// Send 投递一条通知。
	Send(ctx context.Context, msg Message) error
}

// DeliveryError 某个渠道投递失败。
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return "deliver via " + e.Channel + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }
